package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"evidence-collector/internal/model"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// 조회 API 의 시간 필터가 받는 형식. 앞에서부터 시도한다.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTime 은 zone 이 없는 값을 UTC 로 해석한다.
func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseFilter 는 path / ip / method / from / to 를 읽는다.
func parseFilter(q url.Values) (model.Filter, error) {
	f := model.Filter{
		Path:   q.Get("path"),
		IP:     q.Get("ip"),
		Method: q.Get("method"),
	}

	if v := strings.TrimSpace(q.Get("from")); v != "" {
		t, ok := parseTime(v)
		if !ok {
			return model.Filter{}, errors.New("Invalid from")
		}
		f.From = &t
	}
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		t, ok := parseTime(v)
		if !ok {
			return model.Filter{}, errors.New("Invalid to")
		}
		f.To = &t
	}
	return f, nil
}

// intParam 은 값이 없으면 0 (engine 이 기본값 적용).
func intParam(q url.Values, key string) (int, error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New("Invalid " + key)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}
