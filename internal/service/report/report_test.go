package report

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"liuproxy_egress/proxypool"
	"liuproxy_egress/proxypool/model"
)

func identity(host string, avg *float64) model.Identity {
	rec := model.New(model.ProtocolHTTP, host, 8080)
	rec.AvgResponseTime = avg
	return *rec
}

func ptr(v float64) *float64 { return &v }

func TestFastest(t *testing.T) {
	ids := []model.Identity{
		identity("10.0.0.1", ptr(0.9)),
		identity("10.0.0.2", nil),
		identity("10.0.0.3", ptr(0.2)),
		identity("10.0.0.4", ptr(0.5)),
	}
	got := Fastest(ids, 2)
	if len(got) != 2 || got[0].Host != "10.0.0.3" || got[1].Host != "10.0.0.4" {
		t.Errorf("Unexpected fastest: %+v", got)
	}

	sum := Summarize(proxypool.Stats{Total: 4, Available: 3}, ids, 5)
	if sum.SuccessRate != 75 || len(sum.Fastest) != 3 {
		t.Errorf("Unexpected summary: %+v", sum)
	}
}

func TestExport(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(time.Hour)
	banned := identity("10.0.0.2", nil)
	banned.BannedUntil = &until
	banned.FailCount = 3
	ids := []model.Identity{identity("10.0.0.1", ptr(0.25)), banned}

	path := filepath.Join(t.TempDir(), "out", "pool.xlsx")
	if err := Export(path, ids, proxypool.Stats{Total: 2, Available: 1, Banned: 1, Measured: 1}, now); err != nil {
		t.Fatalf("Export() = %v", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() = %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheetIdentities)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[0][0] != "ID" || rows[1][0] != ids[0].ID {
		t.Fatalf("Unexpected identity rows: %v", rows)
	}
	if rows[2][6] != "3" || rows[2][8] != "2025-03-01 13:00:00" {
		t.Errorf("Unexpected banned row: %v", rows[2])
	}

	summary, err := f.GetRows(sheetSummary)
	if err != nil {
		t.Fatal(err)
	}
	if summary[1][1] != "2" || summary[5][1] != "50.0" {
		t.Errorf("Unexpected summary rows: %v", summary)
	}
	if summary[8][0] != ids[0].ID {
		t.Errorf("Expected fastest identity listed, got %v", summary[8])
	}
}
