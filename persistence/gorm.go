// Package persistence stores wallet transaction records in a SQL database through gorm.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/uniswap/walletcore"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// TransactionRecord is one stored TransactionDetails. The full record is kept as JSON in
// Payload; the other columns exist for lookups and operators.
type TransactionRecord struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	TxID      string    `gorm:"column:tx_id;type:varchar(64);not null;uniqueIndex:idx_tx_key" json:"tx_id"`
	Address   string    `gorm:"column:address;type:varchar(42);not null;uniqueIndex:idx_tx_key;index:idx_address_chain" json:"address"`
	ChainID   uint64    `gorm:"column:chain_id;not null;uniqueIndex:idx_tx_key;index:idx_address_chain" json:"chain_id"`
	TxHash    string    `gorm:"column:tx_hash;type:varchar(66);index" json:"tx_hash"`
	Nonce     *uint64   `gorm:"column:nonce" json:"nonce"`
	Status    string    `gorm:"column:status;type:varchar(32);index;not null" json:"status"`
	Routing   string    `gorm:"column:routing;type:varchar(32);not null" json:"routing"`
	Payload   string    `gorm:"column:payload;type:text;not null" json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (TransactionRecord) TableName() string {
	return "wallet_transactions"
}

// Open connects to the configured database.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	switch driver {
	case DriverSQLite:
		return gorm.Open(sqlite.Open(dsn), cfg)
	case DriverPostgres:
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

// GormPersister implements walletcore.Persister on a gorm database.
type GormPersister struct {
	db *gorm.DB
}

var _ walletcore.Persister = (*GormPersister)(nil)

// NewGormPersister wraps an open database
func NewGormPersister(db *gorm.DB) *GormPersister {
	return &GormPersister{db: db}
}

// Migrate creates or updates the table.
func (p *GormPersister) Migrate(ctx context.Context) error {
	return p.db.WithContext(ctx).AutoMigrate(&TransactionRecord{})
}

// Save upserts the record keyed by (tx_id, address, chain_id).
func (p *GormPersister) Save(ctx context.Context, d walletcore.TransactionDetails) error {
	rec, err := toRecord(d)
	if err != nil {
		return err
	}
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tx_id"}, {Name: "address"}, {Name: "chain_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tx_hash", "nonce", "status", "routing", "payload", "updated_at",
		}),
	}).Create(rec).Error
}

// Delete removes the record with the given key.
func (p *GormPersister) Delete(ctx context.Context, key walletcore.TransactionKey) error {
	return p.db.WithContext(ctx).
		Where("tx_id = ? AND address = ? AND chain_id = ?", key.ID, key.From.Hex(), key.ChainID).
		Delete(&TransactionRecord{}).Error
}

// LoadAll returns every stored record in insertion order.
func (p *GormPersister) LoadAll(ctx context.Context) ([]walletcore.TransactionDetails, error) {
	var recs []TransactionRecord
	if err := p.db.WithContext(ctx).Order("id asc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}

	out := make([]walletcore.TransactionDetails, 0, len(recs))
	for _, rec := range recs {
		var d walletcore.TransactionDetails
		if err := json.Unmarshal([]byte(rec.Payload), &d); err != nil {
			return nil, fmt.Errorf("decode transaction %s: %w", rec.TxID, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// FindByHash returns the stored record carrying the given hash.
func (p *GormPersister) FindByHash(ctx context.Context, hash string) (*walletcore.TransactionDetails, error) {
	var rec TransactionRecord
	if err := p.db.WithContext(ctx).Where("tx_hash = ?", hash).First(&rec).Error; err != nil {
		return nil, err
	}
	var d walletcore.TransactionDetails
	if err := json.Unmarshal([]byte(rec.Payload), &d); err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", rec.TxID, err)
	}
	return &d, nil
}

func toRecord(d walletcore.TransactionDetails) (*TransactionRecord, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode transaction %s: %w", d.ID, err)
	}
	rec := &TransactionRecord{
		TxID:    d.ID,
		Address: d.From.Hex(),
		ChainID: d.ChainID,
		Status:  string(d.Status),
		Routing: string(d.Routing),
		Payload: string(payload),
	}
	if d.Hash != nil {
		rec.TxHash = d.Hash.Hex()
	}
	if n, ok := d.Nonce(); ok {
		rec.Nonce = &n
	}
	return rec, nil
}
