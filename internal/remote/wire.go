package remote

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"lotscan/internal/model"
)

// flexInt decodes ids and counts that arrive as numbers, numeric strings,
// empty strings or false.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "null", "false", `""`:
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
		if len(data) == 0 {
			*f = 0
			return nil
		}
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*f = flexInt(math.Round(v))
	return nil
}

// flexFloat decodes quantities that arrive as numbers or numeric strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "null", "false", `""`:
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
		if len(data) == 0 {
			*f = 0
			return nil
		}
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

func (f flexFloat) rounded() int64 {
	return int64(math.Round(float64(f)))
}

// flexString decodes text fields that the backend sends as false when empty.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "null", "false":
		*f = ""
		return nil
	}
	if data[0] != '"' {
		*f = flexString(data)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexString(s)
	return nil
}

// status is the business outcome every endpoint reports.
type status struct {
	Success   *bool            `json:"success"`
	Error     flexString       `json:"error"`
	Message   flexString       `json:"message"`
	ScanLines []wireLineResult `json:"scan_lines"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Params json.RawMessage `json:"params"`
	Error  *rpcError       `json:"error"`
}

// --- login ---

type wireLogin struct {
	APIToken     string  `json:"api_token"`
	SalePersonID flexInt `json:"sale_person_id"`
	Info         struct {
		ID                flexInt    `json:"id"`
		Name              flexString `json:"name"`
		MobilePhone       flexString `json:"mobile_phone"`
		StoreLocation     flexInt    `json:"store_location"`
		StoreLocationName flexString `json:"store_location_name"`
	} `json:"sale_person_info"`
	RunningProject *struct {
		ID           flexInt    `json:"id"`
		Name         flexString `json:"name"`
		LocationID   flexInt    `json:"location_id"`
		LocationName flexString `json:"location_name"`
		StartDate    flexString `json:"start_date"`
	} `json:"running_project"`
	AvailableRacks []struct {
		ID           flexInt    `json:"id"`
		Name         flexString `json:"name"`
		LocationID   flexInt    `json:"location_id"`
		LocationName flexString `json:"location_name"`
		Note         flexString `json:"note"`
	} `json:"available_racks"`
}

func (w *wireLogin) toRecord() *model.AuthRecord {
	rec := &model.AuthRecord{
		Token: w.APIToken,
		Operator: model.Operator{
			ID:           int64(w.Info.ID),
			Name:         string(w.Info.Name),
			MobilePhone:  string(w.Info.MobilePhone),
			LocationID:   int64(w.Info.StoreLocation),
			LocationName: string(w.Info.StoreLocationName),
		},
		Racks: make([]model.Rack, 0, len(w.AvailableRacks)),
	}
	if rec.Operator.ID == 0 {
		rec.Operator.ID = int64(w.SalePersonID)
	}
	if p := w.RunningProject; p != nil && p.ID != 0 {
		rec.Project = &model.Project{
			ID:           int64(p.ID),
			Name:         string(p.Name),
			LocationID:   int64(p.LocationID),
			LocationName: string(p.LocationName),
			StartDate:    string(p.StartDate),
		}
	}
	for _, r := range w.AvailableRacks {
		rec.Racks = append(rec.Racks, model.Rack{
			ID:           int64(r.ID),
			Name:         string(r.Name),
			LocationID:   int64(r.LocationID),
			LocationName: string(r.LocationName),
			Note:         string(r.Note),
		})
	}
	return rec
}

// --- lot info ---

type wireLot struct {
	LotID               flexInt    `json:"lot_id"`
	LotName             flexString `json:"lot_name"`
	Name                flexString `json:"name"`
	ProductID           flexInt    `json:"product_id"`
	ProductName         flexString `json:"product_name"`
	LotStock            flexFloat  `json:"lot_stock"`
	ProductStock        flexFloat  `json:"product_stock"`
	LotInventoriedStock flexFloat  `json:"lot_inventoried_stock"`
	ProductLots         []wireLot  `json:"product_lots"`
}

func (l *wireLot) name() string {
	if l.LotName != "" {
		return string(l.LotName)
	}
	return string(l.Name)
}

type wireLotInfo struct {
	Data json.RawMessage `json:"data"`
}

// entries accepts data as an array or a single object.
func (w *wireLotInfo) entries() ([]wireLot, error) {
	data := bytes.TrimSpace(w.Data)
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if data[0] == '{' {
		var one wireLot
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, err
		}
		return []wireLot{one}, nil
	}
	var many []wireLot
	if err := json.Unmarshal(data, &many); err != nil {
		return nil, err
	}
	return many, nil
}

// toProduct builds the owning product of the scanned lot. Lots the backend
// leaves unnamed take the scanned name when their id matches; the scanned lot
// is added when the lot list omits it.
func (l *wireLot) toProduct(scanned string) *model.ProductInfo {
	p := &model.ProductInfo{
		ProductID:    int64(l.ProductID),
		ProductName:  string(l.ProductName),
		ProductStock: l.ProductStock.rounded(),
		Lots:         make([]model.ProductLot, 0, len(l.ProductLots)+1),
	}

	seen := false
	for _, pl := range l.ProductLots {
		lot := model.ProductLot{
			LotID:          int64(pl.LotID),
			LotName:        pl.name(),
			TheoreticalQty: pl.LotStock.rounded(),
			InventoriedQty: pl.LotInventoriedStock.rounded(),
		}
		if lot.LotName == "" && lot.LotID != 0 && lot.LotID == int64(l.LotID) {
			lot.LotName = scanned
		}
		if lot.LotName == scanned {
			seen = true
		}
		if p.ProductStock == 0 && pl.ProductStock != 0 {
			p.ProductStock = pl.ProductStock.rounded()
		}
		p.Lots = append(p.Lots, lot)
	}

	if !seen {
		p.Lots = append(p.Lots, model.ProductLot{
			LotID:          int64(l.LotID),
			LotName:        scanned,
			TheoreticalQty: l.LotStock.rounded(),
			InventoriedQty: l.LotInventoriedStock.rounded(),
		})
	}
	return p
}

// --- submissions ---

type wireLineResult struct {
	LotName     flexString `json:"lot_name"`
	Success     bool       `json:"success"`
	Error       flexString `json:"error"`
	ScanID      flexInt    `json:"scan_id"`
	ScanLineID  flexInt    `json:"scan_line_id"`
	ProductID   flexInt    `json:"product_id"`
	ProductName flexString `json:"product_name"`
}

func (w wireLineResult) toModel() model.LineResult {
	id := w.ScanID
	if id == 0 {
		id = w.ScanLineID
	}
	return model.LineResult{
		LotName:     string(w.LotName),
		Success:     w.Success,
		Error:       string(w.Error),
		ScanLineID:  int64(id),
		ProductID:   int64(w.ProductID),
		ProductName: string(w.ProductName),
	}
}

func toLineResults(in []wireLineResult) []model.LineResult {
	out := make([]model.LineResult, 0, len(in))
	for _, l := range in {
		out = append(out, l.toModel())
	}
	return out
}

type wireSubmissionResult struct {
	SubmissionID         flexInt          `json:"submission_id"`
	Reference            flexString       `json:"submission_reference"`
	ScanLines            []wireLineResult `json:"scan_lines"`
	ValidLines           flexInt          `json:"valid_lines"`
	InvalidLines         flexInt          `json:"invalid_lines"`
	IsReinventory        bool             `json:"is_reinventory"`
	PreviousSubmissionID flexInt          `json:"previous_submission_id"`
}

type wireUpdateResult struct {
	SubmissionID flexInt `json:"submission_id"`
	Results      struct {
		Added   []wireLineResult `json:"added"`
		Updated []struct {
			ScanLineID flexInt `json:"scan_line_id"`
		} `json:"updated"`
		Removed []flexInt        `json:"removed"`
		Errors  []wireLineResult `json:"errors"`
	} `json:"results"`
}

type wireSubmission struct {
	ID             flexInt    `json:"id"`
	Name           flexString `json:"name"`
	ProjectID      flexInt    `json:"project_id"`
	ProjectName    flexString `json:"project_name"`
	SubmittedAt    flexString `json:"submission_datetime"`
	State          flexString `json:"state"`
	ScanCount      flexInt    `json:"scan_count"`
	ValidatedCount flexInt    `json:"validated_count"`
	RackID         flexInt    `json:"rack_id"`
	RackName       flexString `json:"rack_name"`
	Notes          flexString `json:"notes"`
}

type wireSubmissionPage struct {
	Submissions []wireSubmission `json:"submissions"`
	Pagination  struct {
		TotalCount flexInt `json:"total_count"`
		Limit      flexInt `json:"limit"`
		Offset     flexInt `json:"offset"`
		HasMore    bool    `json:"has_more"`
	} `json:"pagination"`
}

type wireScanLine struct {
	ID             flexInt    `json:"id"`
	LotID          flexInt    `json:"lot_id"`
	LotName        flexString `json:"lot_name"`
	ProductID      flexInt    `json:"product_id"`
	ProductName    flexString `json:"product_name"`
	ScannedQty     flexFloat  `json:"scanned_qty"`
	TheoreticalQty flexFloat  `json:"theoretical_qty"`
	ChangeQty      flexFloat  `json:"change_qty"`
	State          flexString `json:"state"`
	RackID         flexInt    `json:"rack_id"`
	RackName       flexString `json:"rack_name"`
}

func (w wireScanLine) toModel() model.SubmissionLine {
	return model.SubmissionLine{
		ID:             int64(w.ID),
		LotID:          int64(w.LotID),
		LotName:        string(w.LotName),
		ProductID:      int64(w.ProductID),
		ProductName:    string(w.ProductName),
		ScannedQty:     float64(w.ScannedQty),
		TheoreticalQty: float64(w.TheoreticalQty),
		ChangeQty:      float64(w.ChangeQty),
		State:          string(w.State),
		RackID:         int64(w.RackID),
		RackName:       string(w.RackName),
	}
}

type wireLotHistory struct {
	HasPrevious bool `json:"has_previous"`
	LotInfo     struct {
		ID          flexInt    `json:"id"`
		Name        flexString `json:"name"`
		ProductID   flexInt    `json:"product_id"`
		ProductName flexString `json:"product_name"`
		ProductCode flexString `json:"product_code"`
		UoM         flexString `json:"uom"`
	} `json:"lot_info"`
	Previous []struct {
		ID           flexInt        `json:"id"`
		Name         flexString     `json:"name"`
		SubmittedAt  flexString     `json:"submission_datetime"`
		ValidatedAt  flexString     `json:"validation_datetime"`
		ValidatedBy  flexString     `json:"validated_by"`
		ProjectID    flexInt        `json:"project_id"`
		ProjectName  flexString     `json:"project_name"`
		LocationID   flexInt        `json:"location_id"`
		LocationName flexString     `json:"location_name"`
		ScanLines    []wireScanLine `json:"scan_lines"`
	} `json:"previous_submissions"`
}
