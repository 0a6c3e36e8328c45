package metrics

import (
	"net/http"
	"strconv"
	"strings"

	"bookmirror/logger"
)

var usedWeightHeaders = []struct {
	key    string
	window string
}{
	{"X-MBX-USED-WEIGHT-1M", "1m"},
	{"X-MBX-USED-WEIGHT", "1m"},
	{"X-MBX-USED-WEIGHT-1S", "1s"},
}

// ReportUsedWeight emits the used request weight advertised by a Binance REST
// response. It reports the parsed value and whether a header was found.
func ReportUsedWeight(log *logger.Log, resp *http.Response, component, symbol, market string) (float64, bool) {
	if resp == nil {
		return 0, false
	}
	if log == nil {
		log = logger.GetLogger()
	}

	for _, h := range usedWeightHeaders {
		value := resp.Header.Get(h.key)
		if value == "" {
			continue
		}
		used, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.WithComponent(component).WithFields(logger.Fields{
				"symbol": symbol,
				"header": h.key,
				"value":  value,
			}).WithError(err).Debug("failed to parse used weight header")
			continue
		}

		EmitMetric(log, component, "used_weight", used, "gauge", logger.Fields{
			"exchange": "binance",
			"symbol":   symbol,
			"market":   market,
			"window":   h.window,
		})
		return used, true
	}
	return 0, false
}

// LimitKind classifies a Binance throttling response.
type LimitKind int

const (
	LimitNone LimitKind = iota
	LimitRateExceeded
	LimitIPBan
)

// DetectLimit classifies a REST response: 429 is a rate limit, 418 an IP ban.
// Bodies are inspected for the same wording when the status is not decisive.
func DetectLimit(status int, body string) LimitKind {
	switch status {
	case http.StatusTooManyRequests:
		return LimitRateExceeded
	case http.StatusTeapot:
		return LimitIPBan
	}
	lower := strings.ToLower(body)
	if strings.Contains(lower, "ip") && strings.Contains(lower, "ban") {
		return LimitIPBan
	}
	if strings.Contains(lower, "too many requests") || strings.Contains(lower, "rate limit") {
		return LimitRateExceeded
	}
	return LimitNone
}

// ReportLimit records a rate-limit or ban event for symbol.
func ReportLimit(log *logger.Log, component, symbol string, kind LimitKind) {
	if kind == LimitNone {
		return
	}
	if log == nil {
		log = logger.GetLogger()
	}
	fields := logger.Fields{"exchange": "binance", "symbol": symbol}
	switch kind {
	case LimitRateExceeded:
		EmitMetric(log, component, "rate_limit_exceeded", 1, "counter", fields)
		log.WithComponent(component).WithFields(fields).Warn("rate limit exceeded")
	case LimitIPBan:
		EmitMetric(log, component, "ip_ban", 1, "counter", fields)
		log.WithComponent(component).WithFields(fields).Error("ip banned")
	}
}
