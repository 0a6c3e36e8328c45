package models

import "time"

// DepthLevelRecord is one flattened price level of a published book view.
type DepthLevelRecord struct {
	Exchange     string `json:"exchange"`
	Market       string `json:"market"`
	Symbol       string `json:"symbol"`
	Timestamp    int64  `json:"timestamp"`
	LastUpdateID uint64 `json:"last_update_id"`
	Side         string `json:"side"` // "bid" or "ask"
	Price        string `json:"price"`
	Quantity     string `json:"quantity"`
	Level        int    `json:"level"` // 1 = best, 2 = second best, etc.
}

// DepthBatch groups records of one exchange/market/symbol for upload.
type DepthBatch struct {
	BatchID     string             `json:"batch_id"`
	Exchange    string             `json:"exchange"`
	Market      string             `json:"market"`
	Symbol      string             `json:"symbol"`
	Records     []DepthLevelRecord `json:"records"`
	RecordCount int                `json:"record_count"`
	Timestamp   time.Time          `json:"timestamp"`
}
