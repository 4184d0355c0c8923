package vecproj

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hupe1980/vecproj/index"
	"github.com/hupe1980/vecproj/model"
)

// Logger wraps a *zap.Logger with engine-specific helpers.
type Logger struct {
	*zap.Logger
}

// NewLogger returns a production JSON logger at the given level.
func NewLogger(level zapcore.Level) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: l.Named("vecproj")}, nil
}

// NewDevelopmentLogger returns a human-readable console logger at debug level.
func NewDevelopmentLogger() (*Logger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: l.Named("vecproj")}, nil
}

// WrapLogger adapts an existing zap logger. A nil logger yields NoopLogger.
func WrapLogger(l *zap.Logger) *Logger {
	if l == nil {
		return NoopLogger()
	}
	return &Logger{Logger: l}
}

// NoopLogger returns a logger that discards all output.
func NoopLogger() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithConfig returns a logger annotated with a config id.
func (l *Logger) WithConfig(id model.ConfigID) *Logger {
	return &Logger{Logger: l.With(zap.String("config_id", string(id)))}
}

// WithRequest returns a logger annotated with a request id.
func (l *Logger) WithRequest(id string) *Logger {
	return &Logger{Logger: l.With(zap.String("request_id", id))}
}

// LogIngest logs a raw vector ingestion.
func (l *Logger) LogIngest(id model.RawID, dim int, err error) {
	if err != nil {
		l.Error("ingest failed", zap.Int("dim", dim), zap.Error(err))
		return
	}
	l.Debug("ingested", zap.Uint64("raw_id", uint64(id)), zap.Int("dim", dim))
}

// LogProject logs a projection.
func (l *Logger) LogProject(raw model.RawID, cfg model.ConfigID, rec model.RecordID, err error) {
	if err != nil {
		l.Error("projection failed",
			zap.Uint64("raw_id", uint64(raw)),
			zap.String("config_id", string(cfg)),
			zap.Error(err),
		)
		return
	}
	l.Debug("projected",
		zap.Uint64("raw_id", uint64(raw)),
		zap.String("config_id", string(cfg)),
		zap.Uint64("record_id", uint64(rec)),
	)
}

// LogQuery logs a top-k query.
func (l *Logger) LogQuery(cfg model.ConfigID, k int, res model.QueryResult, d time.Duration, err error) {
	if err != nil {
		l.Error("query failed",
			zap.String("config_id", string(cfg)),
			zap.Int("k", k),
			zap.Error(err),
		)
		return
	}
	l.Debug("query",
		zap.String("config_id", string(cfg)),
		zap.Int("k", k),
		zap.Int("hits", len(res.Hits)),
		zap.Bool("stale", res.Stale),
		zap.Uint64("generation", res.Generation),
		zap.Duration("took", d),
	)
}

// LogDelete logs a record deletion.
func (l *Logger) LogDelete(id model.RecordID, err error) {
	if err != nil {
		l.Error("delete failed", zap.Uint64("record_id", uint64(id)), zap.Error(err))
		return
	}
	l.Debug("deleted", zap.Uint64("record_id", uint64(id)))
}

// LogBuild logs the outcome of an index build.
func (l *Logger) LogBuild(ev index.BuildEvent) {
	if ev.Err != nil {
		l.Warn("index build failed",
			zap.String("config_id", string(ev.ConfigID)),
			zap.Duration("took", ev.Duration),
			zap.Error(ev.Err),
		)
		return
	}
	l.Info("index built",
		zap.String("config_id", string(ev.ConfigID)),
		zap.Int("records", ev.Records),
		zap.Uint64("generation", ev.Generation),
		zap.Duration("took", ev.Duration),
	)
}
