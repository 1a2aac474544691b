package journal

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// TradeRecord grid_trade_records 表
type TradeRecord struct {
	ID            uint      `gorm:"primaryKey"`
	EventTime     time.Time `gorm:"index"`
	Kind          string    `gorm:"size:32;index"`
	InstID        string    `gorm:"size:64"`
	OrderID       string    `gorm:"size:64;index"`
	PairedOrderID string    `gorm:"size:64"`
	Side          string    `gorm:"size:8"`
	Slot          int
	State         string `gorm:"size:32"`
	Price         float64
	Size          float64
	NotionalUSD   float64
	Fee           float64
	Note          string `gorm:"size:255"`
	CreatedAt     time.Time
}

func (TradeRecord) TableName() string {
	return "grid_trade_records"
}

func toRecord(e Entry) TradeRecord {
	return TradeRecord{
		EventTime:     e.Time,
		Kind:          string(e.Kind),
		InstID:        e.InstID,
		OrderID:       e.OrderID,
		PairedOrderID: e.PairedOrderID,
		Side:          e.Side,
		Slot:          e.Slot,
		State:         e.State,
		Price:         e.Price,
		Size:          e.Size,
		NotionalUSD:   e.NotionalUSD,
		Fee:           e.Fee,
		Note:          e.Note,
	}
}

// GormSink 写入 MySQL。
type GormSink struct {
	db *gorm.DB
}

// OpenMySQL 连接数据库并建表。
func OpenMySQL(dsn string) (*GormSink, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return NewGormSink(db)
}

// NewGormSink 使用已有连接，自动迁移表结构。
func NewGormSink(db *gorm.DB) (*GormSink, error) {
	if err := db.AutoMigrate(&TradeRecord{}); err != nil {
		return nil, fmt.Errorf("migrate trade records: %w", err)
	}
	return &GormSink{db: db}, nil
}

func (s *GormSink) Write(ctx context.Context, entries []Entry) error {
	records := make([]TradeRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, toRecord(e))
	}
	return s.db.WithContext(ctx).CreateInBatches(records, 100).Error
}

func (s *GormSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
