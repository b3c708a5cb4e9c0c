// Package recorder keeps a history of station availability, one row per
// station per refresh, for later analysis of when stations run empty.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"go.lepak.sg/bikeshare-backend/model"
)

const (
	createTable = `create table if not exists recorded_availability (
	time_ms bigint not null,
	day_of_week int not null,
	seconds_of_day int not null,
	network varchar(191) not null,
	station_id varchar(191) not null,
	free_bikes int not null,
	empty_slots int not null
)`
	saveCommand  = "insert into recorded_availability (time_ms, day_of_week, seconds_of_day, network, station_id, free_bikes, empty_slots) values (?,?,?,?,?,?,?)"
	historyQuery = "select time_ms, free_bikes, empty_slots from recorded_availability where network = ? and station_id = ? and time_ms >= ? order by time_ms"
)

// Sample is the availability of one station at one point in time.
type Sample struct {
	Time       time.Time `json:"time"`
	FreeBikes  int       `json:"free_bikes"`
	EmptySlots int       `json:"empty_slots"`
}

type Recorder struct {
	db     *sql.DB
	logger *zap.Logger
}

// New creates the history table if needed. db may be shared with prefs.
func New(ctx context.Context, db *sql.DB, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return nil, fmt.Errorf("creating history table: %w", err)
	}
	return &Recorder{db: db, logger: logger.Named("recorder")}, nil
}

// Save stores one sample per station, all stamped with now.
func (r *Recorder) Save(ctx context.Context, now time.Time, networkID string, l model.Stations) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, saveCommand)
	if err != nil {
		return err
	}
	defer func(stmt *sql.Stmt) {
		_ = stmt.Close()
	}(stmt)

	dayOfWeek := int(now.Weekday())
	secondsOfDay := now.Hour()*3600 + now.Minute()*60 + now.Second()

	for i := range l {
		_, err := stmt.ExecContext(ctx, now.UnixMilli(), dayOfWeek, secondsOfDay,
			networkID, l[i].ID, l[i].FreeBikes, l[i].EmptySlots)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// History returns the samples of one station recorded at or after since, oldest first.
func (r *Recorder) History(ctx context.Context, networkID, stationID string, since time.Time) ([]Sample, error) {
	rows, err := r.db.QueryContext(ctx, historyQuery, networkID, stationID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Sample, 0)
	for rows.Next() {
		var ms int64
		var s Sample
		if err := rows.Scan(&ms, &s.FreeBikes, &s.EmptySlots); err != nil {
			return nil, err
		}
		s.Time = time.UnixMilli(ms)
		out = append(out, s)
	}
	return out, rows.Err()
}

type Refresher interface {
	Refresh(ctx context.Context) <-chan model.RefreshResult
}

// Run refreshes once per interval and records every successful result until
// ctx is done. The first poll waits for the wall clock to reach a multiple of
// align, so samples from different runs line up.
func (r *Recorder) Run(ctx context.Context, src Refresher, interval, align time.Duration) error {
	if interval <= 0 {
		return errors.New("recorder: interval must be positive")
	}

	if align > 0 {
		delay := time.Until(time.Now().Truncate(align).Add(align))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
	r.logger.Info("delay over, starting", zap.Duration("interval", interval))

	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		if err := r.poll(ctx, src); err != nil && ctx.Err() == nil {
			r.logger.Error("recording failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

func (r *Recorder) poll(ctx context.Context, src Refresher) error {
	now := time.Now()
	res := <-src.Refresh(ctx)
	if !res.OK() {
		return fmt.Errorf("refresh (%s): %w", res.Reason, res.Err)
	}

	if err := r.Save(ctx, now, res.Network.ID, res.AllStations); err != nil {
		return fmt.Errorf("saving %d samples: %w", len(res.AllStations), err)
	}
	r.logger.Debug("recorded", zap.String("network", res.Network.ID), zap.Int("stations", len(res.AllStations)))
	return nil
}
