package model

import "time"

// ProductLot is one lot of a product with its theoretical quantity at the location.
type ProductLot struct {
	LotID          int64  `json:"lot_id"`
	LotName        string `json:"lot_name"`
	TheoreticalQty int64  `json:"theoretical_qty"`
	InventoriedQty int64  `json:"inventoried_qty"`
}

// ProductInfo is a product and its full lot list, as resolved from a scanned lot.
type ProductInfo struct {
	ProductID    int64        `json:"product_id"`
	ProductName  string       `json:"product_name"`
	ProductStock int64        `json:"product_stock"`
	Lots         []ProductLot `json:"lots"`
}

// Lot returns the lot with the given name.
func (p *ProductInfo) Lot(name string) (ProductLot, bool) {
	for _, l := range p.Lots {
		if l.LotName == name {
			return l, true
		}
	}
	return ProductLot{}, false
}

// LotIndexByID returns the position of the lot with the given backend id.
func (p *ProductInfo) LotIndexByID(id int64) (int, bool) {
	if id == 0 {
		return 0, false
	}
	for i, l := range p.Lots {
		if l.LotID == id {
			return i, true
		}
	}
	return 0, false
}

// TheoreticalTotal sums the theoretical quantity of every lot.
func (p *ProductInfo) TheoreticalTotal() int64 {
	var total int64
	for _, l := range p.Lots {
		total += l.TheoreticalQty
	}
	return total
}

// LotRecord is the answer to a single lot lookup.
type LotRecord struct {
	LotID          int64  `json:"lot_id"`
	LotName        string `json:"lot_name"`
	ProductID      int64  `json:"product_id"`
	ProductName    string `json:"product_name"`
	TheoreticalQty int64  `json:"theoretical_qty"`
	InventoriedQty int64  `json:"inventoried_qty"`
	ProductStock   int64  `json:"product_stock"`
}

// LotRecordFor projects a product's lot into a LotRecord.
func LotRecordFor(p ProductInfo, lotName string) (LotRecord, bool) {
	lot, ok := p.Lot(lotName)
	if !ok {
		return LotRecord{}, false
	}
	return LotRecord{
		LotID:          lot.LotID,
		LotName:        lot.LotName,
		ProductID:      p.ProductID,
		ProductName:    p.ProductName,
		TheoreticalQty: lot.TheoreticalQty,
		InventoriedQty: lot.InventoriedQty,
		ProductStock:   p.ProductStock,
	}, true
}

// CachedLotLookup is a persisted lookup result keyed by lot name.
type CachedLotLookup struct {
	LotName        string      `json:"lot_name"`
	LocationID     int64       `json:"location_id"`
	Product        ProductInfo `json:"product"`
	TheoreticalQty int64       `json:"theoretical_qty"`
	FetchedAt      time.Time   `json:"fetched_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

// Usable reports whether the lookup may still be served at now.
func (c *CachedLotLookup) Usable(now time.Time) bool {
	return now.Before(c.ExpiresAt)
}
