// Package presence はユーザーの位置報告と稼働中ユーザーの一覧を提供する。
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hitoshi/bubbles/internal/metrics"
	"github.com/hitoshi/bubbles/internal/model"
	"github.com/hitoshi/bubbles/internal/relay"
	"github.com/hitoshi/bubbles/internal/repository"
)

// EventPresenceUpdate は位置情報更新時にリレーへ送るイベント名。
const EventPresenceUpdate = "presence:update"

// Config はトラッカーの設定。
type Config struct {
	Staleness time.Duration    // この期間より古い報告は一覧に含めない
	Now       func() time.Time // nilの場合はtime.Now
}

// UpdateEvent はpresence:updateイベントのペイロード。
type UpdateEvent struct {
	UserID    string    `json:"userId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	IsActive  bool      `json:"isActive"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HiddenEvent は非稼働になったユーザーのpresence:updateペイロード。
// 座標は含めず、クライアントはこのユーザーを地図から取り除く。
type HiddenEvent struct {
	UserID   string `json:"userId"`
	IsActive bool   `json:"isActive"`
}

// coordinates はvalidatorで検証する座標。NaNと無限大も範囲外として扱われる。
type coordinates struct {
	Lat float64 `validate:"gte=-90,lte=90"`
	Lng float64 `validate:"gte=-180,lte=180"`
}

// Tracker は位置情報の報告と可視ユーザーの算出を行う。
type Tracker struct {
	repo        repository.PresenceRepository
	broadcaster relay.Broadcaster
	recorder    metrics.Recorder
	validate    *validator.Validate
	config      Config
}

// NewTracker はTrackerを生成する。
func NewTracker(
	repo repository.PresenceRepository,
	broadcaster relay.Broadcaster,
	recorder metrics.Recorder,
	config Config,
) *Tracker {
	if config.Staleness <= 0 {
		config.Staleness = 5 * time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if broadcaster == nil {
		broadcaster = relay.NopBroadcaster{}
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Tracker{
		repo:        repo,
		broadcaster: broadcaster,
		recorder:    recorder,
		validate:    validator.New(),
		config:      config,
	}
}

// Now はトラッカーの現在時刻を返す。
func (t *Tracker) Now() time.Time {
	return t.config.Now()
}

// ReportLocation はユーザーの位置を検証し、1ユーザー1件として置き換える。
// 座標が不正な場合は書き込みを行わずINVALID_COORDINATESを返す。
func (t *Tracker) ReportLocation(ctx context.Context, userID string, lat, lng float64, isActive bool, now time.Time) error {
	if err := t.validate.Struct(coordinates{Lat: lat, Lng: lng}); err != nil {
		t.recorder.RecordLocationReport(metrics.ResultRejected)
		return model.NewInvalidCoordinatesError()
	}

	p := &model.Presence{
		UserID:    userID,
		Lat:       lat,
		Lng:       lng,
		IsActive:  isActive,
		UpdatedAt: now,
	}
	if err := t.repo.Upsert(ctx, p); err != nil {
		t.recorder.RecordLocationReport(metrics.ResultFailure)
		return fmt.Errorf("failed to upsert presence: %w", err)
	}
	t.recorder.RecordLocationReport(metrics.ResultSuccess)

	// 非稼働のユーザーは一覧と同じく他者から見えないため、座標を配信しない
	if isActive {
		t.broadcaster.Broadcast(EventPresenceUpdate, UpdateEvent{
			UserID:    userID,
			Lat:       lat,
			Lng:       lng,
			IsActive:  true,
			UpdatedAt: now,
		})
	} else {
		t.broadcaster.Broadcast(EventPresenceUpdate, HiddenEvent{UserID: userID})
	}
	slog.Debug("location reported",
		slog.String("user_id", userID),
		slog.Bool("is_active", isActive),
	)
	return nil
}

// ListActiveUsers は稼働中かつ鮮度内の位置情報をロール付きでuserID順に返す。
func (t *Tracker) ListActiveUsers(ctx context.Context, now time.Time) ([]model.ActiveUser, error) {
	users, err := t.repo.ListVisible(ctx, now.Add(-t.config.Staleness))
	if err != nil {
		return nil, fmt.Errorf("failed to list visible presences: %w", err)
	}
	t.recorder.SetActiveUsers(len(users))
	return users, nil
}
