package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lotscan/pkg/apierror"
)

func TestProductInfo_TheoreticalTotal(t *testing.T) {
	p := ProductInfo{
		ProductID: 22027,
		Lots: []ProductLot{
			{LotName: "0099362", TheoreticalQty: 8},
			{LotName: "0099363", TheoreticalQty: 12},
			{LotName: "0099364", TheoreticalQty: 5},
			{LotName: "0099365", TheoreticalQty: 18},
		},
	}

	assert.EqualValues(t, 43, p.TheoreticalTotal())

	rec, ok := LotRecordFor(p, "0099363")
	assert.True(t, ok)
	assert.EqualValues(t, 12, rec.TheoreticalQty)
	assert.EqualValues(t, 22027, rec.ProductID)

	_, ok = LotRecordFor(p, "9999999")
	assert.False(t, ok)
}

func TestCachedLotLookup_Usable(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	c := CachedLotLookup{ExpiresAt: now}

	assert.False(t, c.Usable(now), "expiry instant is already unusable")
	assert.True(t, c.Usable(now.Add(-time.Millisecond)))
}

func TestAuthRecord(t *testing.T) {
	now := time.Now()
	a := AuthRecord{
		Operator:  Operator{LocationID: 3},
		Racks:     []Rack{{ID: 7}},
		ExpiresAt: now.Add(time.Minute),
	}

	assert.False(t, a.Expired(now))
	assert.True(t, a.Expired(now.Add(time.Minute)))
	assert.EqualValues(t, 3, a.LocationID())

	a.Project = &Project{ID: 1, LocationID: 9}
	assert.EqualValues(t, 9, a.LocationID())
	assert.True(t, a.HasRack(7))
	assert.False(t, a.HasRack(8))
}

func TestValidateLines(t *testing.T) {
	assert.Error(t, ValidateLines(nil))
	assert.Error(t, ValidateLines([]ScanLine{{LotName: " ", ScannedQty: 1}}))
	assert.Error(t, ValidateLines([]ScanLine{{LotName: "0099362", ScannedQty: 0}}))
	assert.NoError(t, ValidateLines([]ScanLine{{LotName: "0099362", ScannedQty: 2}}))

	p := PendingSubmission{Lines: []ScanLine{{LotName: "0099362", ScannedQty: 1}}}
	assert.Error(t, p.Validate(), "project id required without amendment")
	p.Amends = &SubmissionRef{RemoteID: 5}
	assert.NoError(t, p.Validate())
	p.Amends = &SubmissionRef{}
	assert.Error(t, p.Validate(), "amendment names no submission")
}

func TestValidateLines_NamesOffendingLine(t *testing.T) {
	err := ValidateLines([]ScanLine{
		{LotName: "0099362", ScannedQty: 1},
		{LotName: "0099363", ScannedQty: -2},
	})
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.CodeValidation, apiErr.Code)
	require.Len(t, apiErr.Details, 1)
	assert.Equal(t, apierror.FieldError{Field: "lines[1].scanned_qty", Message: "must be greater than 0"}, apiErr.Details[0])
}

func TestSyncWorkItem_RetryCountOnlyIncreases(t *testing.T) {
	w := SyncWorkItem{Status: WorkPending}
	now := time.Now()

	w.RecordFailure(errors.New("502"), now)
	w.RecordFailure(nil, now)
	assert.Equal(t, 2, w.RetryCount)
	assert.Equal(t, "502", w.LastError)

	w.Hold("rejected", now)
	assert.Equal(t, WorkHeld, w.Status)
	assert.Equal(t, 2, w.RetryCount)
}

func TestCategoryOf(t *testing.T) {
	assert.Equal(t, VarianceExact, CategoryOf(0))
	assert.Equal(t, VarianceOver, CategoryOf(3))
	assert.Equal(t, VarianceUnder, CategoryOf(-40))
}
