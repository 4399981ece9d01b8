package ledgersync

import (
	"fmt"
	"io"

	"github.com/mmdatafocus/ordersync/models"
	"github.com/mmdatafocus/ordersync/utils"
	"github.com/xuri/excelize/v2"
)

const errorsSheet = "Sync Errors"

var errorExportHeadings = []string{
	"ID", "Operation", "Entity Type", "Entity ID", "External ID", "Direction",
	"Code", "Message", "Retryable", "Created At", "Resolved At",
}

func errorCellValues(r models.SyncErrorRecord) []interface{} {
	return []interface{}{
		r.ID,
		utils.DereferencePtr(r.SyncOperationId, 0),
		string(r.EntityType),
		r.EntityId,
		r.ExternalId,
		r.Direction,
		r.ErrorCode,
		r.Message,
		r.Retryable,
		r.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		utils.DereferencePtr(formatTime(r.ResolvedAt), ""),
	}
}

// WriteErrorsXLSX renders the error registry as a single-sheet workbook.
func WriteErrorsXLSX(w io.Writer, records []models.SyncErrorRecord) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", errorsSheet); err != nil {
		return err
	}

	col := 'A'
	for _, h := range errorExportHeadings {
		if err := f.SetCellValue(errorsSheet, string(col)+"1", h); err != nil {
			return err
		}
		col++
	}
	rowNo := 2
	for _, r := range records {
		col := 'A'
		for _, value := range errorCellValues(r) {
			if err := f.SetCellValue(errorsSheet, string(col)+fmt.Sprint(rowNo), value); err != nil {
				return err
			}
			col++
		}
		rowNo++
	}
	return f.Write(w)
}
