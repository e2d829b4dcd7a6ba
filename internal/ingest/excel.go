package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"

	"peerflow/internal/types"
)

// convertExcel turns every sheet of a spreadsheet into one CSV object stored
// next to the source as <base>_sheet<i>[_<name>].csv. The modern .xlsx
// format and the legacy BIFF .xls format use different readers but share the
// CSV emission path.
func (p *Processor) convertExcel(ctx context.Context, bucket, key, extension string) ([]types.ObjectRef, error) {
	body, err := p.store.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	content, err := io.ReadAll(body)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamStorage,
			fmt.Sprintf("unable to read spreadsheet %s/%s", bucket, key),
			err,
		)
	}

	var sheets []spreadsheetSheet
	if extension == ".xls" {
		sheets, err = readLegacySheets(content)
	} else {
		sheets, err = readSheets(content)
	}
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			fmt.Sprintf("unable to parse spreadsheet %s/%s", bucket, key),
			err,
		)
	}

	basePath := strings.TrimSuffix(key, path.Ext(key))

	var items []types.ObjectRef
	for i, sheet := range sheets {
		sheetSuffix := ""
		if sheet.name != "" {
			sheetSuffix = "_" + sheet.name
		}
		destinationKey := fmt.Sprintf("%s_sheet%d%s.csv", basePath, i, sheetSuffix)

		ref, err := p.store.Put(ctx, bucket, destinationKey, bytes.NewReader(encodeCSV(sheet.rows)))
		if err != nil {
			return nil, err
		}
		items = append(items, ref)
	}

	return items, nil
}

type spreadsheetSheet struct {
	name string
	rows [][]string
}

// readSheets parses an .xlsx workbook into sheet names and cell rows.
func readSheets(content []byte) ([]spreadsheetSheet, error) {
	workbook, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	defer workbook.Close()

	var sheets []spreadsheetSheet
	for _, name := range workbook.GetSheetList() {
		rows, err := workbook.GetRows(name)
		if err != nil {
			return nil, err
		}
		sheets = append(sheets, spreadsheetSheet{name: name, rows: rows})
	}
	return sheets, nil
}

// readLegacySheets parses a BIFF .xls workbook into sheet names and cell rows.
func readLegacySheets(content []byte) ([]spreadsheetSheet, error) {
	workbook, err := xls.OpenReader(bytes.NewReader(content), "utf-8")
	if err != nil {
		return nil, err
	}

	var sheets []spreadsheetSheet
	for i := 0; i < workbook.NumSheets(); i++ {
		sheet := workbook.GetSheet(i)
		if sheet == nil {
			continue
		}

		var rows [][]string
		for r := 0; r <= int(sheet.MaxRow); r++ {
			row := sheet.Row(r)
			if row == nil {
				rows = append(rows, nil)
				continue
			}
			var cells []string
			for c := 0; c <= row.LastCol(); c++ {
				cells = append(cells, row.Col(c))
			}
			rows = append(rows, cells)
		}
		sheets = append(sheets, spreadsheetSheet{name: sheet.Name, rows: rows})
	}
	return sheets, nil
}

// encodeCSV renders rows as CSV with every field quoted. Quote characters
// and backslashes inside a field are escaped with a backslash rather than
// by doubling, and newlines inside cell values are replaced with spaces so
// each record occupies exactly one line.
func encodeCSV(rows [][]string) []byte {
	var buf bytes.Buffer
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteByte('"')
			buf.WriteString(escapeCSVField(cell))
			buf.WriteByte('"')
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func escapeCSVField(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `"`, `\"`)
}
