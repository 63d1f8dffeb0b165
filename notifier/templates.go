package notifier

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"sort"
	"strings"

	"bitbucket.org/hewadtech/budget_backend/models"
)

// hqName is the display name used in subjects and footers.
func hqName() string {
	if name := strings.TrimSpace(os.Getenv("HQ_NAME")); name != "" {
		return name
	}
	return "Budget Office"
}

// deepLink builds a stage inbox link from its env base. An unset base means
// the link is skipped entirely.
func deepLink(envKey string, suffix string) string {
	base := strings.TrimSpace(os.Getenv(envKey))
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + suffix
}

func budgetLink(budgetId int) string {
	return deepLink("APP_BUDGET_URL_PREFIX", fmt.Sprintf("/%d", budgetId))
}

var stageReadinessTmpl = template.Must(template.New("stageReadiness").Parse(`
<p>Dear colleague,</p>
<p>The following budget requests are ready for your review at the <b>{{.Stage}}</b> stage.</p>
{{range .Budgets}}
<h3>{{.Title}} — {{.Period}}</h3>
{{range .SubAccounts}}
<p><b>Sub-account {{.SubAccountId}}</b></p>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Item</th><th>Quantity</th><th>Unit cost</th></tr>
{{range .Items}}<tr><td>{{.Name}}</td><td>{{.Quantity}}</td><td>{{.Cost}}</td></tr>
{{end}}</table>
{{end}}
{{if .Link}}<p><a href="{{.Link}}">Open the review page</a></p>{{end}}
{{end}}
<p>{{.HQ}}</p>
`))

type readinessItem struct {
	Name     string
	Quantity string
	Cost     string
}

type readinessSubAccount struct {
	SubAccountId int
	Items        []readinessItem
}

type readinessBudget struct {
	Title       string
	Period      string
	Link        string
	SubAccounts []readinessSubAccount
}

// RenderStageReadinessEmail renders the grouped stage email: each ready
// budget with its ready sub-accounts and their items. All text passes through
// html/template escaping.
func RenderStageReadinessEmail(ctx context.Context, group *NotificationGroup, items map[int]*models.BudgetItem) (string, string, error) {
	byBudget := map[int][]*ReadyCombo{}
	for _, combo := range group.Combos {
		byBudget[combo.BudgetId] = append(byBudget[combo.BudgetId], combo)
	}

	var budgets []readinessBudget
	budgetIds := make([]int, 0, len(byBudget))
	for id := range byBudget {
		budgetIds = append(budgetIds, id)
	}
	sort.Ints(budgetIds)

	for _, budgetId := range budgetIds {
		budget, err := models.GetBudget(ctx, budgetId)
		if err != nil {
			continue
		}
		rb := readinessBudget{
			Title:  budget.Title,
			Period: budget.Period,
			Link:   budgetLink(budget.ID),
		}
		if rb.Title == "" {
			rb.Title = fmt.Sprintf("Budget #%d", budget.ID)
		}
		for _, combo := range byBudget[budgetId] {
			sa := readinessSubAccount{SubAccountId: combo.SubAccountId}
			for _, itemId := range combo.ItemIds {
				item, ok := items[itemId]
				if !ok {
					continue
				}
				sa.Items = append(sa.Items, readinessItem{
					Name:     item.ItemName,
					Quantity: item.Quantity.String(),
					Cost:     item.Cost.String(),
				})
			}
			rb.SubAccounts = append(rb.SubAccounts, sa)
		}
		budgets = append(budgets, rb)
	}

	var buf bytes.Buffer
	err := stageReadinessTmpl.Execute(&buf, map[string]interface{}{
		"Stage":   string(group.Key.Stage),
		"Budgets": budgets,
		"HQ":      hqName(),
	})
	if err != nil {
		return "", "", err
	}
	subject := fmt.Sprintf("[%s] Budget items awaiting %s review", hqName(), group.Key.Stage)
	return buf.String(), subject, nil
}

var simpleTmpl = template.Must(template.New("simple").Parse(`
<p>Dear {{.Name}},</p>
<p>{{.Message}}</p>
{{if .Reason}}<p>Reason: <i>{{.Reason}}</i></p>{{end}}
{{if .Link}}<p><a href="{{.Link}}">Open the budget</a></p>{{end}}
<p>{{.HQ}}</p>
`))

func renderSimple(name string, message string, reason string, link string) (string, error) {
	var buf bytes.Buffer
	err := simpleTmpl.Execute(&buf, map[string]interface{}{
		"Name":    name,
		"Message": message,
		"Reason":  reason,
		"Link":    link,
		"HQ":      hqName(),
	})
	return buf.String(), err
}

var completionTmpl = template.Must(template.New("completion").Parse(`
<p>Dear {{.Name}},</p>
<p>The budget <b>{{.Title}}</b> ({{.Period}}) has completed its approval workflow.</p>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Item</th><th>Final status</th><th>Final unit price</th><th>Quantity</th><th>Notes</th></tr>
{{range .Items}}<tr><td>{{.Name}}</td><td>{{.Status}}</td><td>{{.FinalCost}}</td><td>{{.FinalQty}}</td><td>{{.Notes}}</td></tr>
{{end}}</table>
{{if .Link}}<p><a href="{{.Link}}">Open the budget</a></p>{{end}}
<p>{{.HQ}}</p>
`))

type completionRow struct {
	Name      string
	Status    string
	FinalCost string
	FinalQty  string
	Notes     string
}

func renderCompletion(name string, budget *models.Budget, items []*models.BudgetItem) (string, error) {
	rows := make([]completionRow, 0, len(items))
	for _, item := range items {
		if item.IsRemoved() {
			continue
		}
		row := completionRow{Name: item.ItemName, Notes: item.Notes}
		if item.FinalPurchaseStatus != nil {
			row.Status = string(*item.FinalPurchaseStatus)
		} else if item.IsExcluded() {
			row.Status = "excluded"
		}
		if item.FinalPurchaseCost != nil {
			row.FinalCost = item.FinalPurchaseCost.String()
		}
		if item.FinalQuantity != nil {
			row.FinalQty = item.FinalQuantity.String()
		}
		if item.FinalPurchaseStatusDisplay != nil {
			if row.Notes != "" {
				row.Notes += " — "
			}
			row.Notes += *item.FinalPurchaseStatusDisplay
		}
		rows = append(rows, row)
	}

	title := budget.Title
	if title == "" {
		title = fmt.Sprintf("Budget #%d", budget.ID)
	}
	var buf bytes.Buffer
	err := completionTmpl.Execute(&buf, map[string]interface{}{
		"Name":   name,
		"Title":  title,
		"Period": budget.Period,
		"Items":  rows,
		"Link":   budgetLink(budget.ID),
		"HQ":     hqName(),
	})
	return buf.String(), err
}

var digestTmpl = template.Must(template.New("digest").Parse(`
<p>Daily budget digest</p>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Budget</th><th>School</th><th>Period</th><th>Status</th><th>Steps awaiting review</th></tr>
{{range .Budgets}}<tr><td>{{.Id}}</td><td>{{.SchoolId}}</td><td>{{.Period}}</td><td>{{.Status}}</td><td>{{.Pending}}</td></tr>
{{end}}</table>
<p>{{.Open}} budgets still in flight.</p>
<p>{{.HQ}}</p>
`))

type digestRow struct {
	Id       int
	SchoolId int
	Period   string
	Status   string
	Pending  int
}

func renderDigest(budgets []*models.Budget, pendingByBudget map[int]int) (string, error) {
	rows := make([]digestRow, 0, len(budgets))
	for _, budget := range budgets {
		rows = append(rows, digestRow{
			Id:       budget.ID,
			SchoolId: budget.SchoolId,
			Period:   budget.Period,
			Status:   string(budget.BudgetStatus),
			Pending:  pendingByBudget[budget.ID],
		})
	}
	var buf bytes.Buffer
	err := digestTmpl.Execute(&buf, map[string]interface{}{
		"Budgets": rows,
		"Open":    len(rows),
		"HQ":      hqName(),
	})
	return buf.String(), err
}
