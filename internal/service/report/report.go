package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"liuproxy_egress/proxypool"
	"liuproxy_egress/proxypool/model"
)

const (
	sheetIdentities = "Identities"
	sheetSummary    = "Summary"
)

var identityHeader = []any{
	"ID", "Protocol", "Host", "Port", "Country", "Source",
	"Fail Count", "Avg Response (s)", "Banned Until", "Last Used", "Last Checked",
}

// Summary 是 test 命令和报表共用的统计。
type Summary struct {
	Stats       proxypool.Stats
	SuccessRate float64 // 可用 / 总数, 百分比
	Fastest     []model.Identity
}

// Summarize 计算成功率和最快的 n 个已测速身份。
func Summarize(stats proxypool.Stats, ids []model.Identity, n int) Summary {
	s := Summary{Stats: stats, Fastest: Fastest(ids, n)}
	if stats.Total > 0 {
		s.SuccessRate = float64(stats.Available) / float64(stats.Total) * 100
	}
	return s
}

// Fastest returns up to n measured identities ordered by average response time.
func Fastest(ids []model.Identity, n int) []model.Identity {
	var measured []model.Identity
	for _, rec := range ids {
		if rec.AvgResponseTime != nil {
			measured = append(measured, rec)
		}
	}
	sort.SliceStable(measured, func(i, j int) bool {
		return *measured[i].AvgResponseTime < *measured[j].AvgResponseTime
	})
	if len(measured) > n {
		measured = measured[:n]
	}
	return measured
}

// Write 生成两张表：身份明细和汇总。
func Write(w io.Writer, ids []model.Identity, stats proxypool.Stats, generatedAt time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetIdentities); err != nil {
		return err
	}
	if _, err := f.NewSheet(sheetSummary); err != nil {
		return err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	banned, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Color: "B00000"}})
	if err != nil {
		return err
	}

	if err := f.SetSheetRow(sheetIdentities, "A1", &identityHeader); err != nil {
		return err
	}
	lastCol, _ := excelize.ColumnNumberToName(len(identityHeader))
	f.SetCellStyle(sheetIdentities, "A1", lastCol+"1", bold)
	f.SetColWidth(sheetIdentities, "A", "A", 32)
	f.SetColWidth(sheetIdentities, "I", "K", 22)

	for i, rec := range ids {
		row := i + 2
		cell, _ := excelize.CoordinatesToCellName(1, row)
		values := []any{
			rec.ID, string(rec.Protocol), rec.Host, rec.Port, rec.Country, rec.Source,
			rec.FailCount, optionalFloat(rec.AvgResponseTime), optionalTime(rec.BannedUntil),
			formatTime(rec.LastUsedAt), formatTime(rec.LastCheckedAt),
		}
		if err := f.SetSheetRow(sheetIdentities, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", row, err)
		}
		if rec.BannedAt(generatedAt) {
			end, _ := excelize.CoordinatesToCellName(len(values), row)
			f.SetCellStyle(sheetIdentities, cell, end, banned)
		}
	}

	sum := Summarize(stats, ids, 5)
	rows := [][]any{
		{"Generated", generatedAt.UTC().Format(time.RFC3339)},
		{"Total", sum.Stats.Total},
		{"Available", sum.Stats.Available},
		{"Banned", sum.Stats.Banned},
		{"Measured", sum.Stats.Measured},
		{"Success Rate (%)", fmt.Sprintf("%.1f", sum.SuccessRate)},
		{},
		{"Fastest", "Avg Response (s)"},
	}
	for _, rec := range sum.Fastest {
		rows = append(rows, []any{rec.ID, *rec.AvgResponseTime})
	}
	for i, values := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheetSummary, cell, &values); err != nil {
			return err
		}
	}
	f.SetColWidth(sheetSummary, "A", "A", 32)
	f.SetCellStyle(sheetSummary, "A1", "A6", bold)

	_, err = f.WriteTo(w)
	return err
}

// Export writes the report to path.
func Export(path string, ids []model.Identity, stats proxypool.Stats, generatedAt time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, ids, stats, generatedAt); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func optionalFloat(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}

func optionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
