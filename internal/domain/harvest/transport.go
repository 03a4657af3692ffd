package harvest

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/goccy/go-json"

	"energy-harvester/internal/infra/clock"
	"energy-harvester/internal/infra/throttle"
)

// Операции платформы. Они же: ключи бакетов темпа.
const (
	OpRanking      = "ranking"
	OpFillRanking  = "fill_ranking"
	OpListResource = "list_resources"
	OpCollect      = "collect"
	OpBatchCollect = "batch_collect"
	OpGrant        = "grant"
)

// Request: вызов операции платформы со структурированными аргументами.
type Request struct {
	Operation string
	Args      map[string]any
}

// Response: ответ транспорта: флаг ошибки уровня платформы и тело для разбора.
type Response struct {
	HasError  bool
	ErrorCode string
	Body      []byte
}

// Transport: синхронный запрос/ответ к платформе.
type Transport interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// TransportFunc адаптирует функцию к Transport.
type TransportFunc func(ctx context.Context, req Request) (*Response, error)

func (f TransportFunc) Call(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// envelope: общая часть любого тела ответа.
type envelope struct {
	ResultCode string `json:"resultCode"`
	ResultDesc string `json:"resultDesc,omitempty"`
}

type rankEntryWire struct {
	UserID        string `json:"userId"`
	Name          string `json:"name"`
	CanCollect    *bool  `json:"canCollect,omitempty"`
	CollectableAt int64  `json:"collectableAt,omitempty"`
}

type rankingWire struct {
	envelope
	Entries []rankEntryWire `json:"entries"`
}

type bubbleWire struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ProduceTime int64  `json:"produceTime"`
}

type listingWire struct {
	envelope
	ServerTime int64        `json:"serverTime"`
	UserName   string       `json:"userName"`
	Protected  string       `json:"protected,omitempty"`
	Bubbles    []bubbleWire `json:"bubbles"`
}

type collectedWire struct {
	ID              string `json:"id"`
	Collected       int64  `json:"collected"`
	CanCollectAgain bool   `json:"canCollectAgain"`
}

type collectWire struct {
	envelope
	Bubbles []collectedWire `json:"bubbles"`
}

// RankEntry: строка рейтинга. Filled=false означает, что метаданные о
// доступности ещё не запрошены (нужен FillRanking).
type RankEntry struct {
	Target        Target
	Filled        bool
	CanCollect    bool
	CollectableAt time.Time
}

// Listing: результат листинга ресурсов цели.
type Listing struct {
	Target     Target
	ServerTime time.Time
	Protected  string
	Resources  []Resource
}

// Collected: один собранный ресурс из ответа collect.
type Collected struct {
	ResourceID      string
	Amount          int64
	CanCollectAgain bool
}

// API: типизированные запросы платформы поверх Transport. Каждый вызов
// выдерживает темп своей операции; листинг заодно кормит оценщик расхождения часов.
type API struct {
	transport Transport
	pacer     *throttle.Pacer
	drift     *clock.Drift
	codes     Codes
	now       func() time.Time
}

// NewAPI создаёт обёртку; pacer и drift могут быть nil.
func NewAPI(transport Transport, pacer *throttle.Pacer, drift *clock.Drift, codes Codes) *API {
	return &API{transport: transport, pacer: pacer, drift: drift, codes: codes, now: time.Now}
}

// span: границы сетевого вызова без ожидания темпа.
type span struct {
	start, end time.Time
}

// do выдерживает темп операции (плюс extra) и выполняет вызов. Лок темпа
// снят до начала сетевого вызова; span отсчитывается после паузы.
func (a *API) do(ctx context.Context, req Request, extra time.Duration) (*Response, span, error) {
	if a.pacer != nil {
		if err := a.pacer.Wait(ctx, req.Operation, extra); err != nil {
			return nil, span{}, err
		}
	}
	start := a.now()
	resp, err := a.transport.Call(ctx, req)
	return resp, span{start: start, end: a.now()}, err
}

// Codes возвращает коды классификации.
func (a *API) Codes() Codes { return a.codes }

// Ranking запрашивает рейтинг целей.
func (a *API) Ranking(ctx context.Context) ([]RankEntry, error) {
	return a.ranking(ctx, Request{Operation: OpRanking})
}

// FillRanking дозапрашивает метаданные доступности для ids.
func (a *API) FillRanking(ctx context.Context, ids []string) ([]RankEntry, error) {
	return a.ranking(ctx, Request{Operation: OpFillRanking, Args: map[string]any{"userIds": ids}})
}

func (a *API) ranking(ctx context.Context, req Request) ([]RankEntry, error) {
	var wire rankingWire
	if _, err := a.call(ctx, req, &wire); err != nil {
		return nil, err
	}
	out := make([]RankEntry, 0, len(wire.Entries))
	for _, e := range wire.Entries {
		if e.UserID == "" {
			continue
		}
		entry := RankEntry{Target: Target{ID: e.UserID, Name: e.Name, Kind: KindRanking}}
		if e.CanCollect != nil {
			entry.Filled = true
			entry.CanCollect = *e.CanCollect
		}
		if e.CollectableAt > 0 {
			entry.CollectableAt = time.UnixMilli(e.CollectableAt)
		}
		out = append(out, entry)
	}
	return out, nil
}

// ListResources запрашивает ресурсы цели и обновляет оценку расхождения часов.
func (a *API) ListResources(ctx context.Context, target Target) (*Listing, error) {
	var wire listingWire
	sp, err := a.call(ctx, Request{Operation: OpListResource, Args: map[string]any{"userId": target.ID}}, &wire)
	if err != nil {
		return nil, err
	}
	if a.drift != nil && wire.ServerTime > 0 {
		a.drift.ObserveServerTime(sp.start, sp.end, wire.ServerTime)
		a.drift.ObserveRoundTrip(sp.end.Sub(sp.start))
	}
	if wire.UserName != "" {
		target.Name = wire.UserName
	}
	listing := &Listing{
		Target:    target,
		Protected: wire.Protected,
		Resources: make([]Resource, 0, len(wire.Bubbles)),
	}
	if wire.ServerTime > 0 {
		listing.ServerTime = time.UnixMilli(wire.ServerTime)
	}
	for _, b := range wire.Bubbles {
		listing.Resources = append(listing.Resources, Resource{
			ID:        b.ID,
			OwnerID:   target.ID,
			MaturesAt: time.UnixMilli(b.ProduceTime),
			Status:    ParseStatus(b.Status),
		})
	}
	return listing, nil
}

// Grant выполняет ответный подарок цели.
func (a *API) Grant(ctx context.Context, targetID string, count int) error {
	var wire envelope
	_, err := a.call(ctx, Request{Operation: OpGrant, Args: map[string]any{"userId": targetID, "count": count}}, &wire)
	return err
}

// collectRequest строит запрос сбора: одиночный или комбинированный.
func collectRequest(attempt *Attempt) Request {
	if attempt.Batch() {
		return Request{Operation: OpBatchCollect, Args: map[string]any{
			"userId":    attempt.Target.ID,
			"bubbleIds": attempt.ResourceIDs,
		}}
	}
	args := map[string]any{"userId": attempt.Target.ID}
	if len(attempt.ResourceIDs) == 1 {
		args["bubbleId"] = attempt.ResourceIDs[0]
	}
	return Request{Operation: OpCollect, Args: args}
}

// decodeCollect разбирает тело ответа сбора. Возвращает код результата
// отдельно, чтобы классификация шла после разбора.
func decodeCollect(body []byte) (string, []Collected, error) {
	var wire collectWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return "", nil, errors.Wrap(err, "decode collect")
	}
	out := make([]Collected, 0, len(wire.Bubbles))
	for _, b := range wire.Bubbles {
		out = append(out, Collected{ResourceID: b.ID, Amount: b.Collected, CanCollectAgain: b.CanCollectAgain})
	}
	return wire.ResultCode, out, nil
}

// call выполняет запрос, классифицирует исход и разбирает тело в out.
// out обязан встраивать envelope.
func (a *API) call(ctx context.Context, req Request, out interface{ code() string }) (span, error) {
	resp, sp, err := a.do(ctx, req, 0)
	if kind := Classify(a.codes, resp, err, ""); kind != KindOK {
		code := ""
		if resp != nil {
			code = resp.ErrorCode
		}
		return sp, &CallError{Kind: kind, Operation: req.Operation, Code: code, Err: err}
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return sp, &CallError{Kind: KindParseFailure, Operation: req.Operation, Err: err}
	}
	if kind := Classify(a.codes, resp, nil, out.code()); kind != KindOK {
		return sp, &CallError{Kind: kind, Operation: req.Operation, Code: out.code()}
	}
	return sp, nil
}

func (e *envelope) code() string { return e.ResultCode }
