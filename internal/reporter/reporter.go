package reporter

import (
	"dca-grid-bot-go/internal/models"
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Status 一个 (symbol, position_side) 当前的运行状态
type Status struct {
	Mode     models.Mode
	Position models.Position
	Price    float64
}

// RenderGrid 将网格以表格形式写入 w。status 为 nil 时只输出存储的网格。
func RenderGrid(w io.Writer, snap models.GridSnapshot, status *Status) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%s %s", snap.Symbol, snap.PositionSide))
	t.AppendHeader(table.Row{"#", "价格", "距根价格", "数量", "成交后总仓位", "状态"})

	var posQty float64
	if status != nil {
		posQty = status.Position.Quantity
	}
	for i := 0; i < snap.Rungs(); i++ {
		price := snap.Prices[i].Price
		q := snap.Quantities[i]
		t.AppendRow(table.Row{
			i + 1,
			formatFloat(price),
			distance(snap.RootPrice, price),
			formatFloat(q.Quantity),
			formatFloat(q.AccumulatedQuantity),
			rungState(status, q, posQty),
		})
	}
	if snap.Rungs() == 0 {
		t.AppendRow(table.Row{"-", "无网格", "", "", "", ""})
	}

	footer := table.Row{"", "根价格 " + formatFloat(snap.RootPrice), "", "", "", ""}
	if status != nil {
		footer[2] = "模式 " + string(status.Mode)
		footer[3] = "仓位 " + formatFloat(status.Position.Quantity)
		footer[4] = "均价 " + formatFloat(status.Position.EntryPrice)
		footer[5] = "现价 " + formatFloat(status.Price)
	}
	t.AppendFooter(footer)
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	if !snap.UpdatedAt.IsZero() {
		t.SetCaption("更新于 %s", snap.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	t.Render()
}

func rungState(status *Status, q models.QuantityRecord, posQty float64) string {
	if status == nil {
		return ""
	}
	if q.MaxPositionSize() < posQty {
		return "已成交"
	}
	return "待成交"
}

func distance(root, price float64) string {
	if root <= 0 {
		return ""
	}
	return fmt.Sprintf("%+.2f%%", (price-root)/root*100)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
