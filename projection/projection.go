// Package projection folds ledger events into read-optimized aggregates for
// the query surfaces the marketplace UI renders: the winners leaderboard and
// per-address profile stats. Aggregates are materialized eagerly but stay
// consistent with the logical content of the event stream; the raw events are
// retained alongside them as an append-only log for external indexers.
package projection

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"diditd/core/events"
	"diditd/core/types"
	"diditd/native/bounty"
)

// EventRecord is one entry of the persisted append-only event log.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Type       string    `gorm:"index"`
	BountyID   string    `gorm:"index;size:64"`
	Attributes string
	CreatedAt  time.Time
}

// LeaderboardEntry aggregates award settlements per winner.
type LeaderboardEntry struct {
	Winner      string `gorm:"primaryKey;size:40"`
	TotalWon    string `gorm:"not null;default:0"`
	Wins        uint64 `gorm:"not null;default:0"`
	Submissions uint64 `gorm:"not null;default:0"`
	UpdatedAt   time.Time
}

// ProfileStat aggregates per-address marketplace activity.
type ProfileStat struct {
	Address     string `gorm:"primaryKey;size:40"`
	Created     uint64 `gorm:"not null;default:0"`
	Submissions uint64 `gorm:"not null;default:0"`
	Wins        uint64 `gorm:"not null;default:0"`
	TotalWon    string `gorm:"not null;default:0"`
	UpdatedAt   time.Time
}

// Projector consumes ledger events and maintains the derived views. It
// satisfies events.Emitter so it can be fanned in next to RPC subscribers.
type Projector struct {
	db  *gorm.DB
	log *slog.Logger
}

// Open initialises the projection database at the given path, migrating the
// schema on first use.
func Open(path string, log *slog.Logger) (*Projector, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return newProjector(db, log)
}

// OpenInMemory initialises a throwaway projection database, primarily for
// tests.
func OpenInMemory(log *slog.Logger) (*Projector, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return newProjector(db, log)
}

func newProjector(db *gorm.DB, log *slog.Logger) (*Projector, error) {
	if err := db.AutoMigrate(&EventRecord{}, &LeaderboardEntry{}, &ProfileStat{}); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Projector{db: db, log: log}, nil
}

// Emit implements events.Emitter. Failures are logged rather than propagated:
// the ledger has already committed and the projection can be rebuilt from the
// event log.
func (p *Projector) Emit(evt events.Event) {
	if p == nil || evt == nil {
		return
	}
	if err := p.apply(evt); err != nil {
		p.log.Error("projection fold failed", "event", evt.EventType(), "err", err)
	}
}

func (p *Projector) apply(evt events.Event) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		if err := record(tx, evt); err != nil {
			return err
		}
		switch e := evt.(type) {
		case bounty.BountyCreated:
			return bumpProfile(tx, hexAddr(e.Creator), func(stat *ProfileStat) {
				stat.Created++
			})
		case bounty.ProofSubmitted:
			if err := bumpProfile(tx, hexAddr(e.Submitter), func(stat *ProfileStat) {
				stat.Submissions++
			}); err != nil {
				return err
			}
			return bumpLeaderboard(tx, hexAddr(e.Submitter), func(entry *LeaderboardEntry) {
				entry.Submissions++
			})
		case bounty.BountyAwarded:
			amount := e.Amount
			if amount == nil {
				amount = big.NewInt(0)
			}
			if err := bumpProfile(tx, hexAddr(e.Winner), func(stat *ProfileStat) {
				stat.Wins++
				stat.TotalWon = addDecimal(stat.TotalWon, amount)
			}); err != nil {
				return err
			}
			return bumpLeaderboard(tx, hexAddr(e.Winner), func(entry *LeaderboardEntry) {
				entry.Wins++
				entry.TotalWon = addDecimal(entry.TotalWon, amount)
			})
		default:
			// VoteCast and BountyClosed land in the event log only; current
			// tallies are served from the ledger, not the projection.
			return nil
		}
	})
}

func record(tx *gorm.DB, evt events.Event) error {
	rec := EventRecord{ID: uuid.New(), Type: evt.EventType(), CreatedAt: time.Now().UTC()}
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := carrier.Event(); payload != nil {
			rec.BountyID = payload.Attributes["bountyId"]
			if rec.BountyID == "" {
				rec.BountyID = payload.Attributes["id"]
			}
			encoded, err := json.Marshal(payload.Attributes)
			if err != nil {
				return err
			}
			rec.Attributes = string(encoded)
		}
	}
	return tx.Create(&rec).Error
}

func bumpProfile(tx *gorm.DB, addr string, mutate func(*ProfileStat)) error {
	stat := ProfileStat{Address: addr, TotalWon: "0"}
	if err := tx.Where(&ProfileStat{Address: addr}).FirstOrCreate(&stat).Error; err != nil {
		return err
	}
	mutate(&stat)
	stat.UpdatedAt = time.Now().UTC()
	return tx.Save(&stat).Error
}

func bumpLeaderboard(tx *gorm.DB, winner string, mutate func(*LeaderboardEntry)) error {
	entry := LeaderboardEntry{Winner: winner, TotalWon: "0"}
	if err := tx.Where(&LeaderboardEntry{Winner: winner}).FirstOrCreate(&entry).Error; err != nil {
		return err
	}
	mutate(&entry)
	entry.UpdatedAt = time.Now().UTC()
	return tx.Save(&entry).Error
}

// Leaderboard returns up to limit entries ordered by total won descending,
// then win count, then submission count. Totals are decimal strings in the
// smallest currency unit, so ordering happens numerically in Go rather than
// lexically in SQL.
func (p *Projector) Leaderboard(limit int) ([]LeaderboardEntry, error) {
	var entries []LeaderboardEntry
	if err := p.db.Find(&entries).Error; err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		cmp := parseDecimal(entries[i].TotalWon).Cmp(parseDecimal(entries[j].TotalWon))
		if cmp != 0 {
			return cmp > 0
		}
		if entries[i].Wins != entries[j].Wins {
			return entries[i].Wins > entries[j].Wins
		}
		return entries[i].Submissions > entries[j].Submissions
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Profile returns the aggregate stats for an address, zeroed when the address
// has no recorded activity.
func (p *Projector) Profile(addr string) (ProfileStat, error) {
	stat := ProfileStat{Address: addr, TotalWon: "0"}
	err := p.db.Where(&ProfileStat{Address: addr}).First(&stat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ProfileStat{Address: addr, TotalWon: "0"}, nil
	}
	return stat, err
}

// Events returns the persisted event log filtered by bounty id when non-empty,
// oldest first.
func (p *Projector) Events(bountyID string, limit int) ([]EventRecord, error) {
	query := p.db.Order("created_at asc")
	if bountyID != "" {
		query = query.Where(&EventRecord{BountyID: bountyID})
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []EventRecord
	err := query.Find(&records).Error
	return records, err
}

func hexAddr(addr [20]byte) string {
	return hex.EncodeToString(addr[:])
}

func parseDecimal(v string) *big.Int {
	out, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return big.NewInt(0)
	}
	return out
}

func addDecimal(current string, delta *big.Int) string {
	return new(big.Int).Add(parseDecimal(current), delta).String()
}
