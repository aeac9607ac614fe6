package recovery_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"sqlrescue/internal/procexec"
	"sqlrescue/internal/recovery"
	"sqlrescue/internal/services"
	"sqlrescue/internal/services/sqlitecli"
	"sqlrescue/internal/testsupport"
	"sqlrescue/internal/testsupport/fakesqlite"
	"sqlrescue/internal/watchdog"
)

func TestMain(m *testing.M) {
	if fakesqlite.Active() {
		os.Exit(fakesqlite.Main(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

type harness struct {
	chain  *recovery.Chain
	source string
	output string
	events []recovery.Event
}

func newHarness(t *testing.T, faults string) *harness {
	t.Helper()
	binary := fakesqlite.Install(t, faults)
	return newHarnessWithBinary(t, binary)
}

func newHarnessWithBinary(t *testing.T, binary string) *harness {
	t.Helper()
	runner := procexec.NewRunner(procexec.WithGrace(100 * time.Millisecond))
	client, err := sqlitecli.New(binary, runner)
	if err != nil {
		t.Fatalf("sqlitecli.New: %v", err)
	}
	wd := watchdog.New(runner, watchdog.Limits{
		NoOutputGrace:    300 * time.Millisecond,
		StallWindow:      500 * time.Millisecond,
		StallMinBytes:    64,
		Ceiling:          time.Second,
		SignificantJump:  1 << 20,
		CheckInterval:    25 * time.Millisecond,
		ProgressInterval: 100 * time.Millisecond,
	}, nil)
	dir := t.TempDir()
	return &harness{
		chain: recovery.NewChain(client, wd, recovery.Timeouts{
			Primary: 5 * time.Second,
			Table:   500 * time.Millisecond,
			List:    5 * time.Second,
			Schema:  5 * time.Second,
		}, nil),
		source: testsupport.MustCreateSampleDatabase(t, dir),
		output: filepath.Join(dir, "recovered.sql"),
	}
}

func (h *harness) run(t *testing.T, mode recovery.Mode, opts recovery.Options) (recovery.Result, error) {
	t.Helper()
	return h.chain.Run(context.Background(), recovery.Request{
		SourcePath: h.source,
		OutputPath: h.output,
		Options:    opts,
		Mode:       mode,
	}, func(ev recovery.Event) { h.events = append(h.events, ev) })
}

func (h *harness) script(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(h.output)
	if err != nil {
		t.Fatalf("read script: %v", err)
	}
	return string(data)
}

// replay executes the script into a fresh database the way the shell would.
func replay(t *testing.T, script string) string {
	t.Helper()
	target := filepath.Join(t.TempDir(), "replayed.db")
	var stderr bytes.Buffer
	if code := fakesqlite.Main([]string{"-batch", target}, strings.NewReader(script), &bytes.Buffer{}, &stderr); code != 0 {
		t.Fatalf("replay exit %d: %s", code, stderr.String())
	}
	return target
}

func strategies(res recovery.Result) []recovery.Strategy {
	var out []recovery.Strategy
	for _, attempt := range res.Attempts {
		out = append(out, attempt.Strategy)
	}
	return out
}

func TestHealthyDatabaseRecoversAtFirstStep(t *testing.T) {
	h := newHarness(t, "")
	res, err := h.run(t, recovery.ModeStandard, recovery.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Strategy != recovery.StrategyRecover || len(res.Attempts) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	script := h.script(t)
	if !strings.Contains(script, "CREATE TABLE customers") {
		t.Fatalf("script missing schema:\n%s", script)
	}
	if res.Bytes != int64(len(script)) {
		t.Fatalf("bytes = %d, script has %d", res.Bytes, len(script))
	}
	target := replay(t, script)
	if got := testsupport.CountRows(t, target, "orders"); got != 4 {
		t.Fatalf("replayed orders = %d, want 4", got)
	}
	if len(h.events) == 0 || h.events[len(h.events)-1].Percent != 100 {
		t.Fatalf("expected final progress event, got %+v", h.events)
	}
}

func TestRecoverOptionsReachTheShell(t *testing.T) {
	h := newHarness(t, "")
	calls := fakesqlite.RecordInvocations(t)
	_, err := h.run(t, recovery.ModeStandard, recovery.Options{IgnoreFreelist: true, LostAndFoundTable: "orphans"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"-batch", h.source, ".recover --ignore-freelist --lost-and-found 'orphans'"}
	for _, call := range calls() {
		if reflect.DeepEqual(call, want) {
			return
		}
	}
	t.Fatalf("no invocation matched %v in %v", want, calls())
}

func TestInvalidLostAndFoundNameRejected(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.run(t, recovery.ModeStandard, recovery.Options{LostAndFoundTable: "x; DROP TABLE y"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUnsupportedRecoverSkipsToDump(t *testing.T) {
	h := newHarness(t, "capability=unknown")
	calls := fakesqlite.RecordInvocations(t)
	res, err := h.run(t, recovery.ModeStandard, recovery.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.RecoverSkipped || res.Strategy != recovery.StrategyDump {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := strategies(res); !reflect.DeepEqual(got, []recovery.Strategy{recovery.StrategyDump}) {
		t.Fatalf("attempts = %v", got)
	}
	for _, call := range calls() {
		if len(call) == 3 && call[1] == h.source && strings.HasPrefix(call[2], ".recover") {
			t.Fatalf("recover ran against the source despite failed probe: %v", call)
		}
	}
}

func TestHungDumpFallsBackToTablewise(t *testing.T) {
	h := newHarness(t, "recover=fail,dump=hang")
	res, err := h.run(t, recovery.ModeStandard, recovery.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []recovery.Strategy{recovery.StrategyRecover, recovery.StrategyDump, recovery.StrategyTablewise}
	if got := strategies(res); !reflect.DeepEqual(got, want) {
		t.Fatalf("attempts = %v, want %v", got, want)
	}
	if !errors.Is(res.Attempts[1].Err(), services.ErrStalled) {
		t.Fatalf("dump error = %v", res.Attempts[1].Err())
	}
	if res.TablesRecovered != 3 || res.TablesFailed != 0 {
		t.Fatalf("tables recovered/failed = %d/%d", res.TablesRecovered, res.TablesFailed)
	}
	if _, err := os.Stat(h.output + ".part"); !os.IsNotExist(err) {
		t.Fatalf("scratch file left behind: %v", err)
	}
}

func TestTablewisePlaceholderForFailedTable(t *testing.T) {
	h := newHarness(t, "dump:orders=hang")
	res, err := h.run(t, recovery.ModeTablewise, recovery.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Strategy != recovery.StrategyTablewise {
		t.Fatalf("strategy = %s", res.Strategy)
	}
	if res.TablesRecovered != 2 || res.TablesFailed != 1 || !reflect.DeepEqual(res.FailedTables, []string{"orders"}) {
		t.Fatalf("unexpected accounting %+v", res)
	}
	winner, ok := res.Winner()
	if !ok || !winner.Partial() {
		t.Fatalf("expected partial winner, got %+v", winner)
	}

	script := h.script(t)
	if !strings.Contains(script, `-- TABLE "orders" COULD NOT BE RECOVERED: dump timed out`) {
		t.Fatalf("missing placeholder:\n%s", script)
	}
	if !strings.Contains(script, "CREATE TABLE attachments") {
		t.Fatal("tables after the failed one must still be recovered")
	}
	if strings.Count(script, "BEGIN TRANSACTION;") != 1 || strings.Count(script, "COMMIT;") != 1 {
		t.Fatalf("expected a single transaction envelope:\n%s", script)
	}

	target := replay(t, script)
	if got := testsupport.CountRows(t, target, "customers"); got != 3 {
		t.Fatalf("replayed customers = %d, want 3", got)
	}
	if got := testsupport.CountRows(t, target, "attachments"); got != 2 {
		t.Fatalf("replayed attachments = %d, want 2", got)
	}
}

func TestTablewiseKeepsRowsBeforeRollback(t *testing.T) {
	h := newHarness(t, "dump:orders=rollback")
	res, err := h.run(t, recovery.ModeTablewise, recovery.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Strategy != recovery.StrategyTablewise {
		t.Fatalf("strategy = %s", res.Strategy)
	}
	if res.TablesRecovered != 2 || res.TablesFailed != 1 || !reflect.DeepEqual(res.FailedTables, []string{"orders"}) {
		t.Fatalf("unexpected accounting %+v", res)
	}

	script := h.script(t)
	if !strings.Contains(script, `-- TABLE "orders" PARTIALLY RECOVERED`) {
		t.Fatalf("missing partial note:\n%s", script)
	}
	if strings.Contains(script, "ROLLBACK") {
		t.Fatalf("rollback marker leaked into the script:\n%s", script)
	}
	if strings.Count(script, "COMMIT;") != 1 {
		t.Fatalf("expected a single transaction envelope:\n%s", script)
	}

	target := replay(t, script)
	if got := testsupport.CountRows(t, target, "orders"); got != 2 {
		t.Fatalf("replayed orders = %d, want 2", got)
	}
	if got := testsupport.CountRows(t, target, "attachments"); got != 2 {
		t.Fatalf("replayed attachments = %d, want 2", got)
	}
}

func TestCanceledTablewiseLeavesReplayableScript(t *testing.T) {
	h := newHarness(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := h.chain.Run(ctx, recovery.Request{SourcePath: h.source, OutputPath: h.output, Mode: recovery.ModeTablewise}, func(ev recovery.Event) {
		if strings.HasPrefix(ev.Message, "Processed table 1 of") {
			cancel()
		}
	})
	if !errors.Is(err, services.ErrCanceled) {
		t.Fatalf("expected canceled, got %v", err)
	}

	script := h.script(t)
	if !strings.Contains(script, "COMMIT;") || !strings.Contains(script, "Run stopped before every table was attempted") {
		t.Fatalf("script not closed after cancel:\n%s", script)
	}
	target := replay(t, script)
	if got := testsupport.CountRows(t, target, "customers"); got != 3 {
		t.Fatalf("replayed customers = %d, want 3", got)
	}
}

func TestTablewiseProgressPerTable(t *testing.T) {
	h := newHarness(t, "")
	if _, err := h.run(t, recovery.ModeTablewise, recovery.Options{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var percents []float64
	for _, ev := range h.events {
		if ev.Strategy == recovery.StrategyTablewise && strings.HasPrefix(ev.Message, "Processed table") {
			percents = append(percents, ev.Percent)
		}
	}
	if len(percents) != 3 || percents[2] != 100 {
		t.Fatalf("per-table percents = %v", percents)
	}
}

func TestAllTablesFailingFallsToSchemaOnly(t *testing.T) {
	h := newHarness(t, "dump:customers=fail,dump:orders=fail,dump:attachments=partial")
	res, err := h.run(t, recovery.ModeTablewise, recovery.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []recovery.Strategy{recovery.StrategyTablewise, recovery.StrategySchemaOnly}
	if got := strategies(res); !reflect.DeepEqual(got, want) {
		t.Fatalf("attempts = %v, want %v", got, want)
	}
	if res.Attempts[0].TablesFailed != 3 {
		t.Fatalf("tablewise failures = %d", res.Attempts[0].TablesFailed)
	}
	script := h.script(t)
	if !strings.Contains(script, "SCHEMA ONLY") || !strings.Contains(script, "CREATE TABLE orders") {
		t.Fatalf("unexpected schema script:\n%s", script)
	}
	if strings.Contains(script, "INSERT INTO") {
		t.Fatal("schema-only script must not carry data")
	}
	replay(t, script)
}

func TestTableListIsTheLastResort(t *testing.T) {
	h := newHarness(t, "dump:customers=fail,dump:orders=fail,dump:attachments=fail,schema=fail")
	res, err := h.run(t, recovery.ModeTablewise, recovery.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Strategy != recovery.StrategyTableList || res.TablesFailed != 0 || len(res.FailedTables) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if winner, _ := res.Winner(); winner.Partial() {
		t.Fatalf("a table list is not a partial data recovery: %+v", winner)
	}
	script := h.script(t)
	for _, name := range []string{"customers", "orders", "attachments"} {
		if !strings.Contains(script, "-- "+name+"\n") {
			t.Fatalf("table %s not listed:\n%s", name, script)
		}
	}
	replay(t, script)
}

func TestUnreadableFileStillYieldsArtifact(t *testing.T) {
	h := newHarness(t, "")
	if err := os.WriteFile(h.source, bytes.Repeat([]byte("garbage!"), 1024), 0o644); err != nil {
		t.Fatalf("overwrite source: %v", err)
	}
	res, err := h.run(t, recovery.ModeStandard, recovery.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []recovery.Strategy{
		recovery.StrategyRecover, recovery.StrategyDump, recovery.StrategyTablewise,
		recovery.StrategySchemaOnly, recovery.StrategyTableList,
	}
	if got := strategies(res); !reflect.DeepEqual(got, want) {
		t.Fatalf("attempts = %v, want %v", got, want)
	}
	if !strings.Contains(h.script(t), "No tables could be identified") {
		t.Fatalf("unexpected script:\n%s", h.script(t))
	}
}

func TestMissingShellIsFatal(t *testing.T) {
	h := newHarnessWithBinary(t, filepath.Join(t.TempDir(), "no-sqlite3"))
	res, err := h.run(t, recovery.ModeStandard, recovery.Options{})
	if !errors.Is(err, services.ErrSpawn) {
		t.Fatalf("expected spawn error, got %v", err)
	}
	if len(res.Attempts) != 0 {
		t.Fatalf("no strategy should run, got %v", strategies(res))
	}
}

func TestMissingShellInTablewiseMode(t *testing.T) {
	h := newHarnessWithBinary(t, filepath.Join(t.TempDir(), "no-sqlite3"))
	res, err := h.run(t, recovery.ModeTablewise, recovery.Options{})
	if !errors.Is(err, services.ErrSpawn) {
		t.Fatalf("expected spawn error, got %v", err)
	}
	if len(res.Attempts) != 1 {
		t.Fatalf("chain should stop after the first spawn failure, got %v", strategies(res))
	}
}

func TestCanceledRunStops(t *testing.T) {
	h := newHarness(t, "recover=hang")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)
	started := time.Now()
	_, err := h.chain.Run(ctx, recovery.Request{SourcePath: h.source, OutputPath: h.output}, nil)
	if !errors.Is(err, services.ErrCanceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Fatalf("cancel took %s", elapsed)
	}
}

func TestMissingSourceIsNotFound(t *testing.T) {
	h := newHarness(t, "")
	h.source = filepath.Join(t.TempDir(), "absent.db")
	_, err := h.run(t, recovery.ModeStandard, recovery.Options{})
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
