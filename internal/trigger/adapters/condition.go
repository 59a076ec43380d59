package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tendrel/tendrel/internal/common/logger"
	"github.com/tendrel/tendrel/internal/store"
	"github.com/tendrel/tendrel/internal/trigger"
)

const (
	conditionPollTick   = time.Minute
	conditionFetchLimit = 30 * time.Second
	pollBatch           = 100
)

// conditionConfig is the CONFIG blob of CONDITION triggers.
type conditionConfig struct {
	DataSource string `json:"data_source"`
	Condition  struct {
		ExtractPath string `json:"extract_path"`
		// Expression is "<left> <op> <right>"; the right operand is a
		// quoted string, true/false, or a number.
		Expression string `json:"expression"`
	} `json:"condition"`
	// PollIntervalMinutes is floored to 1 so a misconfigured trigger cannot
	// get re-checked every tick.
	PollIntervalMinutes int  `json:"poll_interval_minutes"`
	TriggerOnChangeOnly bool `json:"trigger_on_change_only"`
}

func (c conditionConfig) interval() time.Duration {
	minutes := c.PollIntervalMinutes
	if minutes < 1 {
		minutes = 1
	}
	return time.Duration(minutes) * time.Minute
}

// ConditionPoller periodically fetches each CONDITION trigger's URL and fires
// the trigger when the extracted value satisfies the configured comparison.
type ConditionPoller struct {
	store  *store.Store
	firer  Firer
	logger *logger.Logger
	client *http.Client
	now    func() time.Time

	// lastResult powers edge detection for trigger_on_change_only: a firing
	// happens on the false-to-true transition, not while the condition stays
	// true. Per-instance state; a restart may re-fire once, which the
	// trigger's cooldown absorbs.
	mu         sync.Mutex
	lastResult map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewConditionPoller creates the poller.
func NewConditionPoller(st *store.Store, firer Firer, log *logger.Logger) *ConditionPoller {
	return &ConditionPoller{
		store:      st,
		firer:      firer,
		logger:     log.WithFields(zap.String("component", "condition_poller")),
		client:     &http.Client{Timeout: conditionFetchLimit},
		now:        func() time.Time { return time.Now().UTC() },
		lastResult: make(map[string]bool),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the poll loop.
func (p *ConditionPoller) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(conditionPollTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.poll(ctx)
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the poll loop.
func (p *ConditionPoller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *ConditionPoller) poll(ctx context.Context) {
	now := p.now()
	due, err := p.store.ListDuePolledTriggers(ctx, store.TriggerCondition, now, pollBatch)
	if err != nil {
		p.logger.Error("list due condition triggers failed", zap.Error(err))
		return
	}

	for _, trg := range due {
		var cfg conditionConfig
		decodeErr := trg.DecodeConfig(&cfg)

		// Advance the check time before evaluating, so a slow, failing, or
		// misconfigured trigger cannot wedge itself into a hot loop.
		if err := p.store.SetTriggerNextCheck(ctx, trg.ID, now.Add(cfg.interval())); err != nil {
			p.logger.Warn("advance next check failed", zap.String("trigger_id", trg.ID), zap.Error(err))
		}

		if decodeErr != nil || cfg.DataSource == "" || cfg.Condition.Expression == "" {
			p.recordFailure(ctx, trg, fmt.Errorf("invalid condition config"))
			continue
		}
		p.evaluate(ctx, trg, cfg)
	}
}

func (p *ConditionPoller) evaluate(ctx context.Context, trg *store.Trigger, cfg conditionConfig) {
	log := p.logger.WithTenant(trg.TenantID).WithFields(zap.String("trigger_id", trg.ID))

	operator, want, err := parseExpression(cfg.Condition.Expression)
	if err != nil {
		log.Warn("condition expression invalid", zap.Error(err))
		p.recordFailure(ctx, trg, err)
		return
	}

	value, err := p.fetchValue(ctx, cfg)
	if err != nil {
		log.Warn("condition fetch failed", zap.Error(err))
		p.recordFailure(ctx, trg, err)
		return
	}

	result, err := compare(value, operator, want)
	if err != nil {
		log.Warn("condition comparison failed", zap.Error(err))
		p.recordFailure(ctx, trg, err)
		return
	}

	p.mu.Lock()
	previous := p.lastResult[trg.ID]
	p.lastResult[trg.ID] = result
	p.mu.Unlock()

	if !result {
		return
	}
	if cfg.TriggerOnChangeOnly && previous {
		return
	}

	payload := map[string]interface{}{
		"value":     value,
		"source":    cfg.DataSource,
		"condition": cfg.Condition.Expression,
	}
	if err := p.firer.Fire(ctx, trg.ID, payload, "condition"); err != nil && !errors.Is(err, trigger.ErrSkipped) {
		log.Warn("condition firing failed", zap.Error(err))
	}
}

// fetchValue GETs the URL and extracts the configured path from the JSON
// response. An empty extract_path uses the whole document.
func (p *ConditionPoller) fetchValue(ctx context.Context, cfg conditionConfig) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, conditionFetchLimit)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.DataSource, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("condition endpoint returned %d", resp.StatusCode)
	}

	var doc interface{}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode condition response: %w", err)
	}
	path := cfg.Condition.ExtractPath
	if path == "" {
		return doc, nil
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("extract path %q needs a JSON object response", path)
	}
	value, ok := trigger.Lookup(obj, path)
	if !ok {
		return nil, fmt.Errorf("path %q not found in response", path)
	}
	return value, nil
}

// parseExpression splits a "<left> <op> <right>" condition. The left token
// names the extracted value and is not consulted; extraction follows
// extract_path. Nothing here is evaluated as code.
func parseExpression(expr string) (string, interface{}, error) {
	s := strings.TrimSpace(expr)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return "", nil, fmt.Errorf("expression %q must be \"<left> <op> <right>\"", expr)
	}
	rest := strings.TrimSpace(s[i:])
	j := strings.IndexAny(rest, " \t")
	if j < 0 {
		return "", nil, fmt.Errorf("expression %q must be \"<left> <op> <right>\"", expr)
	}
	operator := rest[:j]
	want, err := parseOperand(strings.TrimSpace(rest[j:]))
	if err != nil {
		return "", nil, err
	}
	return operator, want, nil
}

// parseOperand accepts a quoted string, true/false, or a number.
func parseOperand(s string) (interface{}, error) {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var str string
		if err := json.Unmarshal([]byte(s), &str); err != nil {
			return nil, fmt.Errorf("bad string operand %s: %w", s, err)
		}
		return str, nil
	}
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("operand %q is not a quoted string, boolean, or number", s)
	}
	return n, nil
}

func (p *ConditionPoller) recordFailure(ctx context.Context, trg *store.Trigger, cause error) {
	count, err := p.store.RecordTriggerFailure(ctx, trg.ID)
	if err != nil {
		p.logger.Warn("record trigger failure failed", zap.String("trigger_id", trg.ID), zap.Error(err))
		return
	}
	if count >= trg.MaxErrors {
		p.logger.Warn("condition trigger disabled after repeated failures",
			zap.String("trigger_id", trg.ID), zap.Int("error_count", count), zap.Error(cause))
	}
}

// compare applies the fixed operator grammar. Ordering operators need numeric
// operands; the string operators work on the stringified value.
func compare(got interface{}, operator string, want interface{}) (bool, error) {
	switch operator {
	case "<", ">", "<=", ">=":
		g, err := toNumber(got)
		if err != nil {
			return false, err
		}
		w, err := toNumber(want)
		if err != nil {
			return false, err
		}
		switch operator {
		case "<":
			return g < w, nil
		case ">":
			return g > w, nil
		case "<=":
			return g <= w, nil
		default:
			return g >= w, nil
		}
	case "==":
		if g, err := toNumber(got); err == nil {
			if w, err := toNumber(want); err == nil {
				return g == w, nil
			}
		}
		return toString(got) == toString(want), nil
	case "!=":
		eq, err := compare(got, "==", want)
		return !eq, err
	case "contains":
		return strings.Contains(toString(got), toString(want)), nil
	case "startsWith":
		return strings.HasPrefix(toString(got), toString(want)), nil
	case "endsWith":
		return strings.HasSuffix(toString(got), toString(want)), nil
	default:
		return false, fmt.Errorf("unsupported operator %q", operator)
	}
}

func toNumber(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
