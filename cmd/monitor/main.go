package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"agent_ensemble/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedOrchestrator struct {
	cmd *exec.Cmd
}

// agentInfo mirrors the orchestrator's /agents response.
type agentInfo struct {
	ID        string   `json:"id"`
	Expertise []string `json:"expertise"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
	TimedOut  int      `json:"timed_out"`
	Load      float64  `json:"load"`
}

func main() {
	addr := flag.String("addr", "http://localhost:8094", "orchestrator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start orchestrator in the same monitor process lifecycle")
	orchestratorBinary := flag.String("orchestrator-bin", "", "path to orchestrator binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded orchestrator")
	exportRoot := flag.String("export", "exports", "export directory for embedded orchestrator")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var embeddedProc *embeddedOrchestrator
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedOrchestrator(*addr, *orchestratorBinary, *dbPath, *exportRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded orchestrator: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	runsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	runsTable.SetTitle("Runs (Enter inspect, F5 refresh, Ctrl+E export, F10 quit)").SetBorder(true)

	outcomesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	outcomesView.SetTitle("Outcomes").SetBorder(true)

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Events").SetBorder(true)

	detailView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	detailView.SetTitle("Run Detail").SetBorder(true)

	agentsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	agentsView.SetTitle("Agents").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Prompt -> Ensemble: ")
	promptInput.SetBorder(true).SetTitle("Enter = delegate to all agents")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus runs, Ctrl+E export run",
		c.baseURL,
		*embedded,
	))

	rightTop := tview.NewFlex().
		AddItem(outcomesView, 0, 2, false).
		AddItem(eventsView, 0, 1, false)
	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(rightTop, 0, 3, false).
		AddItem(agentsView, 8, 0, false).
		AddItem(detailView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(runsTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedRunID string
	var lastRuns []domain.RunRecord
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshRuns := func() {
		runs, err := c.listRuns(100)
		if err != nil {
			app.QueueUpdateDraw(func() {
				runsTable.Clear()
				runsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(runs, func(i, j int) bool {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		})
		lastRuns = runs
		app.QueueUpdateDraw(func() {
			renderRunsTable(runsTable, runs, selectedRunID)
		})
	}

	refreshDetailsAsync := func(runID string) {
		if strings.TrimSpace(runID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		app.QueueUpdateDraw(func() {
			outcomesView.SetText("Loading...")
			eventsView.SetText("Loading...")
			agentsView.SetText("Loading...")
			detailView.SetText("Loading...")
		})

		go func(selected string, v uint64) {
			type outcomeResult struct {
				items []domain.Outcome
				err   error
			}
			type eventResult struct {
				items []domain.RunEvent
				err   error
			}
			type agentResult struct {
				items []agentInfo
				err   error
			}

			outcomeCh := make(chan outcomeResult, 1)
			eventCh := make(chan eventResult, 1)
			agentCh := make(chan agentResult, 1)

			go func() {
				items, err := c.listRunOutcomes(selected, 200)
				outcomeCh <- outcomeResult{items: items, err: err}
			}()
			go func() {
				items, err := c.listRunEvents(selected, 250)
				eventCh <- eventResult{items: items, err: err}
			}()
			go func() {
				items, err := c.listAgents()
				agentCh <- agentResult{items: items, err: err}
			}()

			outcomeRes := <-outcomeCh
			eventRes := <-eventCh
			agentRes := <-agentCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedRunID {
					return
				}
				if outcomeRes.err != nil {
					outcomesView.SetText(fmt.Sprintf("error: %v", outcomeRes.err))
				} else {
					outcomesView.SetText(renderOutcomes(outcomeRes.items))
				}
				if eventRes.err != nil {
					eventsView.SetText(fmt.Sprintf("error: %v", eventRes.err))
				} else {
					eventsView.SetText(renderEvents(eventRes.items))
				}
				if agentRes.err != nil {
					agentsView.SetText(fmt.Sprintf("error: %v", agentRes.err))
				} else {
					agentsView.SetText(renderAgents(agentRes.items))
				}
				detailView.SetText(renderRunDetail(selected, lastRuns, outcomeRes.items))
			})
		}(runID, version)
	}

	submitPrompt := func(prompt string) {
		prompt = strings.TrimSpace(prompt)
		if prompt == "" {
			return
		}
		setStatusUI("Delegating prompt to the roster...")
		promptInput.SetText("")
		go func(input string) {
			runID, err := c.delegatePrompt(input)
			if err != nil {
				setStatusAsync("Failed to delegate prompt: " + err.Error())
				return
			}
			selectedRunID = runID
			refreshRuns()
			refreshDetailsAsync(selectedRunID)
			setStatusAsync("Delegation finished: " + runID)
		}(prompt)
	}

	exportSelected := func() {
		if strings.TrimSpace(selectedRunID) == "" {
			setStatusUI("No run selected to export")
			return
		}
		setStatusUI("Exporting run " + shortID(selectedRunID) + "...")
		go func(runID string) {
			path, err := c.exportRun(runID)
			if err != nil {
				setStatusAsync("Export failed: " + err.Error())
				return
			}
			setStatusAsync("Exported to " + path)
		}(selectedRunID)
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	runsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastRuns) {
			return
		}
		selectedRunID = lastRuns[row-1].ID
		refreshDetailsAsync(selectedRunID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(runsTable)
				setStatusUI("Focus -> runs")
				return nil
			}
			return event
		}

		if event.Key() == tcell.KeyEscape {
			app.SetFocus(runsTable)
			setStatusUI("Focus -> runs")
			return nil
		}
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshRuns()
			refreshDetailsAsync(selectedRunID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(runsTable)
			setStatusUI("Focus -> runs")
			return nil
		case tcell.KeyCtrlE:
			exportSelected()
			return nil
		}
		if event.Key() == tcell.KeyTAB {
			if app.GetFocus() == promptInput {
				app.SetFocus(runsTable)
			} else {
				app.SetFocus(promptInput)
			}
			return nil
		}
		if event.Key() == tcell.KeyRune {
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshRuns()
		for _, run := range lastRuns {
			if run.Status == domain.RunStatusRunning {
				selectedRunID = run.ID
				break
			}
		}
		if selectedRunID == "" && len(lastRuns) > 0 {
			selectedRunID = lastRuns[0].ID
		}
		if selectedRunID != "" {
			refreshDetailsAsync(selectedRunID)
		}

		for range ticker.C {
			refreshRuns()
			if selectedRunID == "" && len(lastRuns) > 0 {
				selectedRunID = lastRuns[0].ID
			}
			refreshDetailsAsync(selectedRunID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedOrchestrator(addr string, orchestratorBinary string, dbPath string, exportRoot string) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	addrArg := ":" + port

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	if err := os.MkdirAll(exportRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create export root: %w", err)
	}

	args := []string{"--addr", addrArg, "--db", dbPath, "--export", exportRoot, "--demo"}

	var cmd *exec.Cmd
	if strings.TrimSpace(orchestratorBinary) != "" {
		cmd = exec.Command(orchestratorBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "orchestrator")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/orchestrator"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator process: %w", err)
	}

	proc := &embeddedOrchestrator{cmd: cmd}
	return proc, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderRunsTable(table *tview.Table, runs []domain.RunRecord, selectedRunID string) {
	table.Clear()
	headers := []string{"Run", "Pattern", "Status", "Created", "Summary"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, run := range runs {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(run.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(run.Pattern)))
		table.SetCell(row, 2, tview.NewTableCell(string(run.Status)))
		table.SetCell(row, 3, tview.NewTableCell(run.CreatedAt.Format("15:04:05")))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(runSummary(run), 64)))
		if run.ID == selectedRunID {
			table.Select(row, 0)
		}
	}
}

func runSummary(run domain.RunRecord) string {
	if run.LastError != "" {
		return "error: " + run.LastError
	}
	if len(run.Result) > 0 {
		return jsonPreview(run.Result)
	}
	return jsonPreview(run.Payload)
}

func renderOutcomes(items []domain.Outcome) string {
	if len(items) == 0 {
		return "No outcomes"
	}
	var b strings.Builder
	for _, o := range items {
		b.WriteString(fmt.Sprintf(
			"%s  agent=%s status=%s conf=%.2f attempt=%d %dms\n",
			o.TaskID,
			o.AgentID,
			o.Status,
			o.Confidence,
			o.Attempt,
			o.ElapsedMS,
		))
		if o.Fault != "" {
			b.WriteString("  fault: " + string(o.Fault) + "\n")
		}
		if o.Err != "" {
			b.WriteString("  error: " + trimLine(o.Err, 100) + "\n")
		}
		if len(o.Value) > 0 {
			b.WriteString("  value: " + trimLine(jsonPreview(o.Value), 100) + "\n")
		}
	}
	return b.String()
}

func renderEvents(items []domain.RunEvent) string {
	if len(items) == 0 {
		return "No events"
	}
	var b strings.Builder
	for _, e := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s %s\n",
			e.CreatedAt.Format("15:04:05"),
			e.Kind,
			e.Actor,
		))
		if e.Detail != "" {
			b.WriteString("  " + trimLine(e.Detail, 100) + "\n")
		}
		if detail := eventPayloadSummary(e.Payload); detail != "" {
			b.WriteString("  payload: " + trimLine(detail, 160) + "\n")
		}
	}
	return b.String()
}

func renderAgents(items []agentInfo) string {
	if len(items) == 0 {
		return "No agents registered"
	}
	var b strings.Builder
	for _, a := range items {
		b.WriteString(fmt.Sprintf(
			"%-14s load=%.2f done=%d failed=%d timeout=%d [%s]\n",
			a.ID, a.Load, a.Completed, a.Failed, a.TimedOut, strings.Join(a.Expertise, ","),
		))
	}
	return b.String()
}

func renderRunDetail(runID string, runs []domain.RunRecord, outcomes []domain.Outcome) string {
	if strings.TrimSpace(runID) == "" {
		return "No run selected"
	}

	var run *domain.RunRecord
	for i := range runs {
		if runs[i].ID == runID {
			run = &runs[i]
			break
		}
	}
	if run == nil {
		return fmt.Sprintf("Run %s not in the current window", shortID(runID))
	}

	succeeded, failed, timedOut := 0, 0, 0
	for _, o := range outcomes {
		switch o.Status {
		case domain.OutcomeStatusSuccess:
			succeeded++
		case domain.OutcomeStatusTimedOut:
			timedOut++
		default:
			failed++
		}
	}

	finished := "-"
	if run.FinishedAt != nil {
		finished = run.FinishedAt.Format("15:04:05")
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Run: %s  pattern=%s status=%s\n", run.ID, run.Pattern, run.Status))
	b.WriteString(fmt.Sprintf("Created: %s  Finished: %s\n", run.CreatedAt.Format("15:04:05"), finished))
	b.WriteString(fmt.Sprintf("Outcomes: %d success, %d failed, %d timed out\n", succeeded, failed, timedOut))
	if len(run.Payload) > 0 {
		b.WriteString("Payload: " + trimLine(jsonPreview(run.Payload), 160) + "\n")
	}
	if len(run.Result) > 0 {
		b.WriteString("Result: " + trimLine(jsonPreview(run.Result), 160) + "\n")
	}
	if run.LastError != "" {
		b.WriteString("Error: " + trimLine(run.LastError, 160) + "\n")
	}
	return b.String()
}

func eventPayloadSummary(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "{}" {
		return ""
	}

	var kv map[string]any
	if err := json.Unmarshal(payload, &kv); err == nil {
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, kv[k]))
		}
		return strings.Join(parts, ", ")
	}
	return trimmed
}

func jsonPreview(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return buf.String()
}

// delegatePrompt fans the prompt out to every registered agent and returns
// the run id of the delegation.
func (c *client) delegatePrompt(prompt string) (string, error) {
	payload, err := json.Marshal(prompt)
	if err != nil {
		return "", err
	}
	req := map[string]any{
		"payload": json.RawMessage(payload),
	}
	var report domain.DelegateReport
	if err := c.postJSON("/delegate", req, &report); err != nil {
		return "", err
	}
	if report.RunID == "" {
		return "", fmt.Errorf("delegate response carried no run id")
	}
	return report.RunID, nil
}

func (c *client) exportRun(runID string) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	if err := c.postJSON(fmt.Sprintf("/runs/%s/export", runID), map[string]any{}, &out); err != nil {
		return "", err
	}
	return out.Path, nil
}

func (c *client) listRuns(limit int) ([]domain.RunRecord, error) {
	var out []domain.RunRecord
	if err := c.getJSON(fmt.Sprintf("/runs?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listRunOutcomes(runID string, limit int) ([]domain.Outcome, error) {
	var out []domain.Outcome
	if err := c.getJSON(fmt.Sprintf("/runs/%s/outcomes?limit=%d", runID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listRunEvents(runID string, limit int) ([]domain.RunEvent, error) {
	var out []domain.RunEvent
	if err := c.getJSON(fmt.Sprintf("/runs/%s/events?limit=%d", runID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listAgents() ([]agentInfo, error) {
	var out []agentInfo
	if err := c.getJSON("/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
