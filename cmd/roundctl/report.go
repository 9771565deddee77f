package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alanyoungcy/roundamm/internal/domain"
	"github.com/alanyoungcy/roundamm/internal/fixed"
)

const timeLayout = "01-02 15:04:05"

func renderRounds(out io.Writer, rounds []domain.Round) {
	if len(rounds) == 0 {
		fmt.Fprintln(out, "no rounds")
		return
	}
	table := tablewriter.NewWriter(out)
	table.Header("#", "ID", "Status", "Open", "Lock", "Open price", "Settle price", "Outcome")
	for _, r := range rounds {
		outcome := string(r.Outcome)
		if r.VoidReason != "" {
			outcome += " (" + r.VoidReason + ")"
		}
		table.Append(
			fmt.Sprintf("%d", r.Sequence),
			r.ID,
			string(r.Status),
			r.OpenTime.UTC().Format(timeLayout),
			r.LockTime.UTC().Format(timeLayout),
			amountOrDash(r.OpenPrice),
			amountOrDash(r.SettlementPrice),
			outcome,
		)
	}
	table.Render()
}

func renderPositions(out io.Writer, positions []domain.Position) {
	if len(positions) == 0 {
		fmt.Fprintln(out, "no positions")
		return
	}
	table := tablewriter.NewWriter(out)
	table.Header("Round", "Side", "Shares", "Cost", "Proceeds", "Payout", "Status", "Opened")
	var cost, proceeds, payout fixed.Amount
	for _, p := range positions {
		table.Append(
			p.RoundID,
			string(p.Side),
			p.Shares.StringFixed(2),
			p.CostBasis.StringFixed(2),
			p.Proceeds.StringFixed(2),
			p.Payout.StringFixed(2),
			string(p.Status),
			p.OpenedAt.UTC().Format(timeLayout),
		)
		cost += p.CostBasis
		proceeds += p.Proceeds
		payout += p.Payout
	}
	table.Render()
	fmt.Fprintf(out, "cost %s  proceeds %s  payout %s\n",
		cost.StringFixed(2), proceeds.StringFixed(2), payout.StringFixed(2))
}

func renderSettlement(out io.Writer, s domain.Settlement, payouts []domain.Payout) {
	fmt.Fprintf(out, "round %s  outcome %s  model %s  settled %s\n",
		s.RoundID, s.Outcome, s.Model, s.SettledAt.UTC().Format(time.RFC3339))

	summary := tablewriter.NewWriter(out)
	summary.Header("Pool value", "Base", "Bonus", "Margin", "House", "Fees", "W/L/R")
	summary.Append(
		s.PoolValue.StringFixed(2),
		s.TotalBase.StringFixed(2),
		s.TotalBonus.StringFixed(2),
		s.PlatformMargin.StringFixed(2),
		s.HouseRetained.StringFixed(2),
		s.FeesCollected.StringFixed(2),
		fmt.Sprintf("%d/%d/%d", s.Winners, s.Losers, s.Refunds),
	)
	summary.Render()

	if len(payouts) == 0 {
		fmt.Fprintln(out, "no payouts")
		return
	}
	table := tablewriter.NewWriter(out)
	table.Header("User", "Kind", "Base", "Mult", "Bonus", "Total")
	for _, p := range payouts {
		table.Append(
			p.UserID,
			string(p.Kind),
			p.Base.StringFixed(2),
			p.Multiplier.StringFixed(2),
			p.Bonus.StringFixed(2),
			p.Total.StringFixed(2),
		)
	}
	table.Render()
}

func renderAudit(out io.Writer, entries []domain.AuditEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "no audit entries")
		return
	}
	table := tablewriter.NewWriter(out)
	table.Header("ID", "At", "Event", "Detail")
	for _, e := range entries {
		detail, _ := json.Marshal(e.Detail)
		table.Append(
			fmt.Sprintf("%d", e.ID),
			e.CreatedAt.UTC().Format(timeLayout),
			e.Event,
			string(detail),
		)
	}
	table.Render()
}

func amountOrDash(a *fixed.Amount) string {
	if a == nil {
		return "-"
	}
	return a.String()
}
