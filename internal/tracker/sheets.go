package tracker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/review-agent/internal/config"
	"github.com/review-agent/internal/models"
	"github.com/review-agent/pkg/logger"
)

// SheetColumns defines the column headers for the Reviews sheet
var SheetColumns = []string{
	"Review ID",
	"App",
	"Store",
	"Rating",
	"Author",
	"Title",
	"Review",
	"Status",
	"Reply",
	"Truncated",
	"Reviewed At",
	"Posted At",
	"Error",
}

// ReviewRow is one review entry in the export sheet
type ReviewRow struct {
	ReviewID   uint
	App        string
	Store      string
	Rating     int
	Author     string
	Title      string
	Body       string
	Status     models.ReviewStatus
	Reply      string
	Truncated  bool
	ReviewedAt time.Time
	PostedAt   time.Time
	Error      string
}

// RowFor builds the sheet row for a review and its current response, which may be nil
func RowFor(review *models.Review, response *models.Response) ReviewRow {
	row := ReviewRow{
		ReviewID:   review.ID,
		Store:      review.Vendor.DisplayName(),
		Rating:     review.Rating,
		Author:     review.Author,
		Title:      review.Title,
		Body:       review.Body,
		Status:     review.Status,
		ReviewedAt: review.ReviewedAt,
	}
	if review.Resource != nil {
		row.App = review.Resource.DisplayName()
	}
	if response != nil {
		row.Reply = response.Text()
		row.Truncated = response.Truncated
		row.Error = response.PostError
		if response.PostedAt != nil {
			row.PostedAt = *response.PostedAt
		}
	}
	return row
}

// values returns the full row in column order
func (r ReviewRow) values() []interface{} {
	return append([]interface{}{
		r.ReviewID,
		r.App,
		r.Store,
		r.Rating,
		r.Author,
		r.Title,
		r.Body,
	}, r.statusValues()...)
}

// statusValues returns the columns that change after a review is exported (H:M)
func (r ReviewRow) statusValues() []interface{} {
	return []interface{}{
		string(r.Status),
		r.Reply,
		strconv.FormatBool(r.Truncated),
		formatTime(r.ReviewedAt),
		formatTime(r.PostedAt),
		r.Error,
	}
}

// SheetsTracker exports reviews and their replies to Google Sheets
type SheetsTracker struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	log           *logger.Logger
}

// NewSheetsTracker creates a new Google Sheets tracker. It returns nil when
// the tracker is disabled. opts replace the configured credentials.
func NewSheetsTracker(ctx context.Context, cfg config.TrackerConfig, log *logger.Logger, opts ...option.ClientOption) (*SheetsTracker, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if len(opts) == 0 {
		// Try service account JSON first (for env var injection)
		switch {
		case cfg.ServiceAccountJSON != "":
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.ServiceAccountJSON)))
		case cfg.CredentialsFile != "":
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		default:
			return nil, fmt.Errorf("no Google credentials provided: set credentials_file or service_account_json")
		}
	}

	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	sheetName := cfg.SheetName
	if sheetName == "" {
		sheetName = "Reviews"
	}

	return &SheetsTracker{
		service:       srv,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     sheetName,
		log:           log.WithComponent("sheets-tracker"),
	}, nil
}

// InitializeSheet creates the sheet and headers if they don't exist
func (t *SheetsTracker) InitializeSheet(ctx context.Context) error {
	if err := t.ensureSheetExists(ctx); err != nil {
		return err
	}

	readRange := fmt.Sprintf("%s!A1:M1", t.sheetName)
	resp, err := t.service.Spreadsheets.Values.Get(t.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to read sheet: %w", err)
	}

	if len(resp.Values) == 0 {
		t.log.Info().Msg("Initializing sheet with headers")
		return t.writeHeaders(ctx)
	}
	return nil
}

// ensureSheetExists creates the sheet if it doesn't exist
func (t *SheetsTracker) ensureSheetExists(ctx context.Context) error {
	spreadsheet, err := t.service.Spreadsheets.Get(t.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to get spreadsheet: %w", err)
	}

	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == t.sheetName {
			return nil
		}
	}

	t.log.Info().Str("sheet", t.sheetName).Msg("Creating new sheet")
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{
				AddSheet: &sheets.AddSheetRequest{
					Properties: &sheets.SheetProperties{
						Title: t.sheetName,
					},
				},
			},
		},
	}

	_, err = t.service.Spreadsheets.BatchUpdate(t.spreadsheetID, req).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	return nil
}

func (t *SheetsTracker) writeHeaders(ctx context.Context) error {
	var headerRow []interface{}
	for _, col := range SheetColumns {
		headerRow = append(headerRow, col)
	}

	writeRange := fmt.Sprintf("%s!A1", t.sheetName)
	valueRange := &sheets.ValueRange{
		Values: [][]interface{}{headerRow},
	}

	_, err := t.service.Spreadsheets.Values.Update(t.spreadsheetID, writeRange, valueRange).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	return nil
}

// ExportReviews appends new reviews and refreshes the status columns of
// reviews already in the sheet. Each runs as a single API call.
func (t *SheetsTracker) ExportReviews(ctx context.Context, rows []ReviewRow) (added, updated int, err error) {
	if err := t.InitializeSheet(ctx); err != nil {
		return 0, 0, err
	}

	existing, err := t.existingReviewRows(ctx)
	if err != nil {
		return 0, 0, err
	}

	var newRows [][]interface{}
	var updates []*sheets.ValueRange
	for _, row := range rows {
		rowNum, ok := existing[row.ReviewID]
		if !ok {
			newRows = append(newRows, row.values())
			continue
		}
		updates = append(updates, &sheets.ValueRange{
			Range:  fmt.Sprintf("%s!H%d:M%d", t.sheetName, rowNum, rowNum),
			Values: [][]interface{}{row.statusValues()},
		})
	}

	if len(newRows) > 0 {
		appendRange := fmt.Sprintf("%s!A:M", t.sheetName)
		_, err := t.service.Spreadsheets.Values.Append(t.spreadsheetID, appendRange, &sheets.ValueRange{Values: newRows}).
			ValueInputOption("RAW").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).
			Do()
		if err != nil {
			return 0, 0, fmt.Errorf("failed to append reviews: %w", err)
		}
		added = len(newRows)
	}

	if len(updates) > 0 {
		req := &sheets.BatchUpdateValuesRequest{
			ValueInputOption: "RAW",
			Data:             updates,
		}
		if _, err := t.service.Spreadsheets.Values.BatchUpdate(t.spreadsheetID, req).Context(ctx).Do(); err != nil {
			return added, 0, fmt.Errorf("failed to update reviews: %w", err)
		}
		updated = len(updates)
	}

	t.log.Info().Int("added", added).Int("updated", updated).Msg("Reviews exported to sheet")
	return added, updated, nil
}

// existingReviewRows maps review IDs already in the sheet to their row number
func (t *SheetsTracker) existingReviewRows(ctx context.Context) (map[uint]int, error) {
	readRange := fmt.Sprintf("%s!A:A", t.sheetName)
	resp, err := t.service.Spreadsheets.Values.Get(t.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read review IDs: %w", err)
	}

	ids := make(map[uint]int)
	for i, row := range resp.Values {
		if i == 0 || len(row) == 0 {
			continue // header
		}
		id, err := strconv.ParseUint(fmt.Sprintf("%v", row[0]), 10, 64)
		if err != nil || id == 0 {
			continue
		}
		ids[uint(id)] = i + 1
	}
	return ids, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
