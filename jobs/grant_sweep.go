package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/meridian-gallery/meridian/internal/jobs"
)

// GrantSweepJob deactivates grants whose expiry passed long ago and
// reports duplicate-grant anomalies. Enforcement never depends on it:
// the resolver re-checks expiry on every resolution. The sweep keeps
// the store tidy and makes broken invariants visible.
type GrantSweepJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewGrantSweepJob initialises the sweep handler.
func NewGrantSweepJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *GrantSweepJob {
	return &GrantSweepJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep.
func (j *GrantSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("grant sweep: handler not configured")
	}
	var payload GrantSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RetentionHours <= 0 {
		payload.RetentionHours = 24
	}

	tracker := j.Metrics.Track(TaskGrantSweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	now := j.clock()
	cutoff := now.Add(-time.Duration(payload.RetentionHours) * time.Hour)
	logger := j.logger().With(slog.Time("cutoff", cutoff))

	tag, err := j.Pool.Exec(ctx,
		`UPDATE admin_grants
		 SET active = FALSE, updated_by = 'sweep', updated_at = $1
		 WHERE active AND expires_at IS NOT NULL AND expires_at < $2`,
		now, cutoff)
	if err != nil {
		resultErr = err
		logger.Error("deactivate expired grants", slog.Any("error", err))
		return resultErr
	}
	if swept := int(tag.RowsAffected()); swept > 0 {
		j.Metrics.AddSwept(swept)
		logger.Info("deactivated expired grants", slog.Int("count", swept))
	}

	// The identity primary key makes duplicates impossible through this
	// application; a hit here means the table was touched out of band.
	rows, err := j.Pool.Query(ctx,
		`SELECT identity, COUNT(*) FROM admin_grants GROUP BY identity HAVING COUNT(*) > 1`)
	if err != nil {
		resultErr = err
		logger.Error("scan duplicate grants", slog.Any("error", err))
		return resultErr
	}
	defer rows.Close()
	for rows.Next() {
		var identity string
		var count int
		if err := rows.Scan(&identity, &count); err != nil {
			resultErr = err
			return resultErr
		}
		logger.Warn("duplicate grants detected",
			slog.String("identity", identity),
			slog.Int("count", count))
	}
	if err := rows.Err(); err != nil {
		resultErr = err
		return resultErr
	}
	return nil
}

func (j *GrantSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
