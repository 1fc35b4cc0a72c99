package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"localventas/backend/internal/domain"
)

func DashboardCSV(d domain.Dashboard) string {
	lines := []string{
		"section,key,value",
		fmt.Sprintf("summary,generated_at,%s", d.GeneratedAt.Format(time.RFC3339)),
		fmt.Sprintf("summary,store_id,%s", csvField(d.StoreID)),
		fmt.Sprintf("overall,total_revenue,%s", d.Overall.TotalRevenue.StringFixed(2)),
		fmt.Sprintf("overall,transactions,%d", d.Overall.TransactionCount),
		fmt.Sprintf("overall,average,%s", d.Overall.AverageTransactionValue.StringFixed(2)),
		fmt.Sprintf("today,total_revenue,%s", d.Today.TotalRevenue.StringFixed(2)),
		fmt.Sprintf("today,transactions,%d", d.Today.TransactionCount),
		fmt.Sprintf("this_month,total_revenue,%s", d.ThisMonth.TotalRevenue.StringFixed(2)),
		fmt.Sprintf("this_month,transactions,%d", d.ThisMonth.TransactionCount),
	}
	for _, m := range d.MonthlySeries {
		lines = append(lines, fmt.Sprintf("month,%s,%s", m.Label, m.Total.StringFixed(2)))
	}
	for _, s := range d.ByStore {
		lines = append(lines, fmt.Sprintf("store,%s_total_revenue,%s", csvField(s.StoreID), s.TotalRevenue.StringFixed(2)))
		lines = append(lines, fmt.Sprintf("store,%s_transactions,%d", csvField(s.StoreID), s.TransactionCount))
	}
	return strings.Join(lines, "\n") + "\n"
}

// csvField quotes values that would otherwise break the row.
func csvField(v string) string {
	if strings.ContainsAny(v, ",\"\n") {
		return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
	}
	return v
}

func DashboardXLSX(d domain.Dashboard) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const summary = "Resumen"
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return nil, err
	}
	rows := [][]any{
		{"Periodo", "Ingresos", "Ventas", "Promedio"},
		{"Total", d.Overall.TotalRevenue.InexactFloat64(), d.Overall.TransactionCount, d.Overall.AverageTransactionValue.InexactFloat64()},
		{"Hoy", d.Today.TotalRevenue.InexactFloat64(), d.Today.TransactionCount, d.Today.AverageTransactionValue.InexactFloat64()},
		{"Este mes", d.ThisMonth.TotalRevenue.InexactFloat64(), d.ThisMonth.TransactionCount, d.ThisMonth.AverageTransactionValue.InexactFloat64()},
	}
	if err := writeRows(f, summary, rows); err != nil {
		return nil, err
	}

	monthly := [][]any{{"Mes", fmt.Sprintf("Ingresos %d", d.Year)}}
	for _, m := range d.MonthlySeries {
		monthly = append(monthly, []any{m.Label, m.Total.InexactFloat64()})
	}
	if err := addSheet(f, "Mensual", monthly); err != nil {
		return nil, err
	}

	recent := [][]any{{"Venta", "Local", "Fecha", "Pago", "Items", "Total"}}
	for _, tx := range d.Recent {
		recent = append(recent, []any{
			tx.TransactionID,
			tx.StoreID,
			tx.Timestamp.Format("2006-01-02 15:04"),
			string(tx.PaymentMethod),
			tx.ItemCount(),
			tx.TotalAmount.InexactFloat64(),
		})
	}
	if err := addSheet(f, "Recientes", recent); err != nil {
		return nil, err
	}

	if len(d.ByStore) > 0 {
		stores := [][]any{{"Local", "Nombre", "Ingresos", "Ventas", "Hoy"}}
		for _, s := range d.ByStore {
			stores = append(stores, []any{s.StoreID, s.StoreName, s.TotalRevenue.InexactFloat64(), s.TransactionCount, s.Today.TotalRevenue.InexactFloat64()})
		}
		if err := addSheet(f, "Locales", stores); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func addSheet(f *excelize.File, name string, rows [][]any) error {
	if _, err := f.NewSheet(name); err != nil {
		return err
	}
	return writeRows(f, name, rows)
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		values := row
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
	}
	return nil
}
