package remote

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"lotscan/internal/model"
	"lotscan/pkg/apierror"
)

// Backend endpoint paths, relative to the base URL.
const (
	pathLogin              = "/login"
	pathLogout             = "/logout"
	pathRefreshToken       = "/refresh_token"
	pathLotInfo            = "/get_lot_info"
	pathCreateSubmission   = "/create_submission"
	pathUpdateSubmission   = "/update_submission"
	pathSubmissions        = "/get_submissions"
	pathSubmissionLines    = "/get_submission_scan_lines"
	pathPreviousSubmission = "/check_previous_submissions"
)

// Login exchanges an operator identity and PIN for an AuthRecord. The record
// carries no timestamps; the caller decides its lifetime.
func (c *Client) Login(ctx context.Context, identity, secret string) (*model.AuthRecord, error) {
	if strings.TrimSpace(identity) == "" || secret == "" {
		return nil, apierror.ValidationError("Mobile phone and PIN are required")
	}

	var out wireLogin
	params := map[string]interface{}{"mobile_phone": identity, "pin": secret}
	if err := c.call(ctx, pathLogin, params, false, &out); err != nil {
		return nil, err
	}
	if out.APIToken == "" {
		return nil, apierror.ServerError("login response without token")
	}
	return out.toRecord(), nil
}

// RefreshToken rotates the bearer token and returns the new one. The client
// keeps sending the old token until SetToken installs the new one.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	var out struct {
		APIToken string `json:"api_token"`
	}
	if err := c.call(ctx, pathRefreshToken, nil, true, &out); err != nil {
		return "", err
	}
	if out.APIToken == "" {
		return "", apierror.ServerError("refresh response without token")
	}
	return out.APIToken, nil
}

// Logout invalidates the token on the backend and forgets it locally.
func (c *Client) Logout(ctx context.Context) error {
	err := c.call(ctx, pathLogout, nil, true, nil)
	c.SetToken("")
	return err
}

// FindProductByLot resolves the product owning lot at locationID together
// with the product's full lot list.
func (c *Client) FindProductByLot(ctx context.Context, lot string, locationID int64) (*model.ProductInfo, error) {
	var out wireLotInfo
	params := map[string]interface{}{"lot_name": lot, "location_id": locationID}
	if err := c.call(ctx, pathLotInfo, params, true, &out); err != nil {
		return nil, err
	}

	entries, err := out.entries()
	if err != nil {
		return nil, apierror.ServerError("unexpected lot info response").WithCause(err)
	}
	if len(entries) == 0 || entries[0].ProductID == 0 {
		return nil, apierror.NotFound("Lot not found")
	}
	return entries[0].toProduct(lot), nil
}

// LookupLot returns the record of a single lot.
func (c *Client) LookupLot(ctx context.Context, lot string, locationID int64) (*model.LotRecord, error) {
	p, err := c.FindProductByLot(ctx, lot, locationID)
	if err != nil {
		return nil, err
	}
	rec, ok := model.LotRecordFor(*p, lot)
	if !ok {
		return nil, apierror.NotFound("Lot not found")
	}
	return &rec, nil
}

// CreateSubmissionRequest is the input of CreateSubmission.
type CreateSubmissionRequest struct {
	ProjectID            int64
	RackID               *int64
	Lines                []model.ScanLine
	Notes                string
	PreviousSubmissionID *int64
}

// CreateSubmission sends a batch of scan lines. A batch with any invalid line
// is rejected as a whole with a ValidationError carrying per-line details.
func (c *Client) CreateSubmission(ctx context.Context, req CreateSubmissionRequest) (*model.SubmissionResult, error) {
	if err := model.ValidateLines(req.Lines); err != nil {
		return nil, err
	}

	params := map[string]interface{}{
		"project_id": req.ProjectID,
		"notes":      req.Notes,
		"scan_lines": scanLineParams(req.Lines, nil),
	}
	if req.RackID != nil {
		params["rack_id"] = *req.RackID
	}
	if req.PreviousSubmissionID != nil {
		params["previous_submission_id"] = *req.PreviousSubmissionID
	}

	var out wireSubmissionResult
	if err := c.call(ctx, pathCreateSubmission, params, true, &out); err != nil {
		return nil, err
	}
	if out.SubmissionID == 0 {
		return nil, apierror.ServerError("create_submission response without submission id")
	}
	return &model.SubmissionResult{
		SubmissionID:         int64(out.SubmissionID),
		Reference:            string(out.Reference),
		Lines:                toLineResults(out.ScanLines),
		ValidLines:           int(out.ValidLines),
		InvalidLines:         int(out.InvalidLines),
		IsReinventory:        out.IsReinventory,
		PreviousSubmissionID: int64(out.PreviousSubmissionID),
	}, nil
}

// UpdateSubmissionRequest is the input of UpdateSubmission.
type UpdateSubmissionRequest struct {
	SubmissionID int64
	RackID       *int64
	Add          []model.ScanLine
	Update       []model.LineUpdate
	Remove       []int64
}

// UpdateSubmission adds, changes and removes lines of an existing submission.
// Rejected lines are reported as a ValidationError.
func (c *Client) UpdateSubmission(ctx context.Context, req UpdateSubmissionRequest) (*model.UpdateResult, error) {
	if req.SubmissionID == 0 {
		return nil, apierror.ValidationError("Submission ID is required")
	}
	if len(req.Add) > 0 {
		if err := model.ValidateLines(req.Add); err != nil {
			return nil, err
		}
	}

	update := req.Update
	if update == nil {
		update = []model.LineUpdate{}
	}
	remove := req.Remove
	if remove == nil {
		remove = []int64{}
	}
	params := map[string]interface{}{
		"submission_id":        req.SubmissionID,
		"scan_lines_to_add":    scanLineParams(req.Add, req.RackID),
		"scan_lines_to_update": update,
		"scan_lines_to_remove": remove,
	}

	var out wireUpdateResult
	if err := c.call(ctx, pathUpdateSubmission, params, true, &out); err != nil {
		return nil, err
	}

	res := &model.UpdateResult{
		SubmissionID: int64(out.SubmissionID),
		Added:        toLineResults(out.Results.Added),
		Updated:      make([]int64, 0, len(out.Results.Updated)),
		Removed:      make([]int64, 0, len(out.Results.Removed)),
		Errors:       toLineResults(out.Results.Errors),
	}
	for _, u := range out.Results.Updated {
		res.Updated = append(res.Updated, int64(u.ScanLineID))
	}
	for _, id := range out.Results.Removed {
		res.Removed = append(res.Removed, int64(id))
	}

	if len(res.Errors) > 0 {
		details := make([]apierror.FieldError, 0, len(res.Errors))
		for _, e := range res.Errors {
			details = append(details, apierror.FieldError{Field: e.LotName, Message: e.Error})
		}
		return res, apierror.ValidationError("Some scan lines were rejected", details...)
	}
	return res, nil
}

// ListSubmissions returns a page of the operator's submissions, newest first.
// A zero projectID lists every project.
func (c *Client) ListSubmissions(ctx context.Context, projectID int64, limit, offset int) (*model.SubmissionPage, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	params := map[string]interface{}{"limit": limit, "offset": offset, "order": "id desc"}
	if projectID != 0 {
		params["project_id"] = projectID
	}

	var out wireSubmissionPage
	if err := c.call(ctx, pathSubmissions, params, true, &out); err != nil {
		return nil, err
	}

	page := &model.SubmissionPage{
		Submissions: make([]model.SubmissionSummary, 0, len(out.Submissions)),
		TotalCount:  int64(out.Pagination.TotalCount),
		Limit:       limit,
		Offset:      offset,
		HasMore:     out.Pagination.HasMore,
	}
	if out.Pagination.Limit != 0 {
		page.Limit = int(out.Pagination.Limit)
	}
	for _, s := range out.Submissions {
		page.Submissions = append(page.Submissions, model.SubmissionSummary{
			ID:             int64(s.ID),
			Name:           string(s.Name),
			ProjectID:      int64(s.ProjectID),
			ProjectName:    string(s.ProjectName),
			SubmittedAt:    string(s.SubmittedAt),
			State:          string(s.State),
			ScanCount:      int(s.ScanCount),
			ValidatedCount: int(s.ValidatedCount),
			RackID:         int64(s.RackID),
			RackName:       string(s.RackName),
			Notes:          string(s.Notes),
		})
	}
	return page, nil
}

// GetSubmissionLines returns the scan lines recorded for a submission.
func (c *Client) GetSubmissionLines(ctx context.Context, submissionID int64) ([]model.SubmissionLine, error) {
	var out struct {
		ScanLines []wireScanLine `json:"scan_lines"`
	}
	params := map[string]interface{}{"submission_id": submissionID, "order": "id asc"}
	if err := c.call(ctx, pathSubmissionLines, params, true, &out); err != nil {
		return nil, err
	}

	lines := make([]model.SubmissionLine, 0, len(out.ScanLines))
	for _, l := range out.ScanLines {
		lines = append(lines, l.toModel())
	}
	return lines, nil
}

// CheckPreviousSubmissions reports validated submissions that already counted
// lot, for re-inventory. A zero locationID searches every location.
func (c *Client) CheckPreviousSubmissions(ctx context.Context, lot string, locationID int64) (*model.LotHistory, error) {
	params := map[string]interface{}{"lot_name": lot}
	if locationID != 0 {
		params["location_id"] = locationID
	}

	var out wireLotHistory
	if err := c.call(ctx, pathPreviousSubmission, params, true, &out); err != nil {
		return nil, err
	}

	h := &model.LotHistory{
		HasPrevious: out.HasPrevious,
		LotID:       int64(out.LotInfo.ID),
		LotName:     string(out.LotInfo.Name),
		ProductID:   int64(out.LotInfo.ProductID),
		ProductName: string(out.LotInfo.ProductName),
		ProductCode: string(out.LotInfo.ProductCode),
		UoM:         string(out.LotInfo.UoM),
		Previous:    make([]model.PreviousSubmission, 0, len(out.Previous)),
	}
	for _, p := range out.Previous {
		prev := model.PreviousSubmission{
			ID:           int64(p.ID),
			Name:         string(p.Name),
			SubmittedAt:  string(p.SubmittedAt),
			ValidatedAt:  string(p.ValidatedAt),
			ValidatedBy:  string(p.ValidatedBy),
			ProjectID:    int64(p.ProjectID),
			ProjectName:  string(p.ProjectName),
			LocationID:   int64(p.LocationID),
			LocationName: string(p.LocationName),
			Lines:        make([]model.SubmissionLine, 0, len(p.ScanLines)),
		}
		for _, l := range p.ScanLines {
			prev.Lines = append(prev.Lines, l.toModel())
		}
		h.Previous = append(h.Previous, prev)
	}
	return h, nil
}

// Ping checks the backend is reachable. Any HTTP answer counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathLogin, nil)
	if err != nil {
		return apierror.InternalError("failed to build request").WithCause(err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return apierror.NetworkUnavailable("backend unreachable").WithCause(err)
	}
	resp.Body.Close()
	return nil
}

func scanLineParams(lines []model.ScanLine, rackID *int64) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(lines))
	for _, l := range lines {
		m := map[string]interface{}{
			"lot_name":    l.LotName,
			"scanned_qty": l.ScannedQty,
		}
		if l.Notes != "" {
			m["notes"] = l.Notes
		}
		if rackID != nil {
			m["rack_id"] = *rackID
		}
		out = append(out, m)
	}
	return out
}
