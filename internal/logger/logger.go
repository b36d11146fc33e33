package logger

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/offerbilling/internal/logger/config"
)

func NewZapLog(cfg config.Config) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zapcfg := zap.NewProductionConfig()
	zapcfg.Level = lvl
	return zapcfg.Build()
}

// RequestLogMdlw логирует запрос и ответ вместе с телами.
func RequestLogMdlw(h http.HandlerFunc, zaplog *zap.Logger) http.HandlerFunc {
	return requestLog(h, zaplog, true)
}

// RequestMetaLogMdlw логирует запрос и ответ без тел.
// Для служебных методов: в телах платежные ссылки.
func RequestMetaLogMdlw(h http.HandlerFunc, zaplog *zap.Logger) http.HandlerFunc {
	return requestLog(h, zaplog, false)
}

func requestLog(h http.HandlerFunc, zaplog *zap.Logger, withBody bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		}
		if withBody {
			body, _ := io.ReadAll(r.Body)
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))
			fields = append(fields, zap.ByteString("body", body))
		}
		zaplog.Info("got incoming HTTP request", fields...)

		rw := &responseRecorder{ResponseWriter: w, status: http.StatusOK, keepBody: withBody}
		start := time.Now()
		h(rw, r)

		fields = []zap.Field{
			zap.String("path", r.URL.Path),
			zap.Int("code", rw.status),
			zap.Int("length", rw.length),
			zap.Duration("duration", time.Since(start)),
		}
		if withBody {
			fields = append(fields, zap.ByteString("body", rw.body))
		}
		zaplog.Info("send HTTP response", fields...)
	}
}

// responseRecorder запоминает код, размер и (по флагу) тело ответа
type responseRecorder struct {
	http.ResponseWriter
	status   int
	length   int
	keepBody bool
	body     []byte
}

func (rw *responseRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseRecorder) Write(b []byte) (int, error) {
	if rw.keepBody {
		rw.body = append(rw.body, b...)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.length += n
	return n, err
}
