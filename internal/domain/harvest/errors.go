package harvest

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

// ErrorKind: класс исхода вызова платформы.
type ErrorKind uint8

const (
	KindOK ErrorKind = iota
	// KindTransportThrottled: платформа сигнализирует об ограничении частоты: размыкаем предохранитель.
	KindTransportThrottled
	// KindTransportTransient: прочие ошибки транспорта: повтор до MaxTries.
	KindTransportTransient
	// KindBusinessAlreadyClaimed: ресурс уже забрал кто-то другой: терминально, не ошибка.
	KindBusinessAlreadyClaimed
	// KindBusinessOther: иной неуспешный код результата: повтор как у транспорта.
	KindBusinessOther
	// KindParseFailure: ответ не разбирается: цепочка завершается без повтора.
	KindParseFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTransportThrottled:
		return "transport_throttled"
	case KindTransportTransient:
		return "transport_transient"
	case KindBusinessAlreadyClaimed:
		return "already_claimed"
	case KindBusinessOther:
		return "business_failure"
	case KindParseFailure:
		return "parse_failure"
	default:
		return "unknown"
	}
}

// Retryable сообщает, допускает ли класс повтор попытки.
func (k ErrorKind) Retryable() bool {
	return k == KindTransportTransient || k == KindBusinessOther
}

// Codes: коды платформы, от которых зависит классификация.
type Codes struct {
	Throttle       string
	AlreadyClaimed string
	Success        string
}

// DefaultCodes: значения по умолчанию.
var DefaultCodes = Codes{
	Throttle:       "1004",
	AlreadyClaimed: "PARAM_ILLEGAL2",
	Success:        "SUCCESS",
}

// CallError: неуспешный исход вызова с его классом.
type CallError struct {
	Kind      ErrorKind
	Operation string
	Code      string
	Err       error
}

func (e *CallError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Operation, e.Kind)
	if e.Code != "" {
		fmt.Fprintf(&b, " (code %s)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CallError) Unwrap() error { return e.Err }

// KindOf извлекает класс из ошибки; ошибки без CallError считаются транспортными.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindOK
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransportTransient
}

// Classify определяет класс исхода по ответу транспорта, ошибке вызова и коду
// бизнес-результата (resultCode; пустой, если тело ещё не разобрано).
func Classify(codes Codes, resp *Response, callErr error, resultCode string) ErrorKind {
	if callErr != nil {
		return KindTransportTransient
	}
	if resp == nil {
		return KindParseFailure
	}
	if resp.HasError {
		if codes.Throttle != "" && resp.ErrorCode == codes.Throttle {
			return KindTransportThrottled
		}
		return KindTransportTransient
	}
	if resultCode == "" || strings.EqualFold(resultCode, codes.Success) {
		return KindOK
	}
	if codes.AlreadyClaimed != "" && resultCode == codes.AlreadyClaimed {
		return KindBusinessAlreadyClaimed
	}
	if codes.Throttle != "" && resultCode == codes.Throttle {
		return KindTransportThrottled
	}
	return KindBusinessOther
}
