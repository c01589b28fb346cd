package store

import (
	"context"
	"time"

	"github.com/lox/raindrop/internal/models"
)

// Backend is the persistence contract shared by the SQLite and Postgres
// stores.
//
// Observation windows are half-open: [from, to).
type Backend interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	UpsertStation(ctx context.Context, st models.Station) error
	ActiveStations(ctx context.Context) ([]models.Station, error)

	UpsertObservation(ctx context.Context, obs models.Observation) error
	QueryWindow(ctx context.Context, stationID string, from, to time.Time) ([]models.Observation, error)
	QueryLatest(ctx context.Context, stationID string) (*models.Observation, error)
	QueryRange(ctx context.Context, from, to time.Time) ([]models.Observation, error)

	StartPipelineRun(ctx context.Context, run models.PipelineRun) error
	FinishPipelineRun(ctx context.Context, run models.PipelineRun) error
	RecentPipelineRuns(ctx context.Context, pipeline string, limit int) ([]models.PipelineRun, error)

	SaveModel(ctx context.Context, a ModelArtifact) (int64, error)
	LatestModel(ctx context.Context, name string) (*ModelArtifact, error)

	UpsertForecastAssessments(ctx context.Context, assessments []models.ForecastAssessment) error
	QueryForecast(ctx context.Context, stationID string, from time.Time) ([]models.ForecastAssessment, error)
	PruneForecasts(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// ModelArtifact is a serialized classifier as persisted.
type ModelArtifact struct {
	ID        int64
	Name      string
	TrainedAt time.Time
	Accuracy  float64
	Samples   int
	Payload   []byte
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*PGStore)(nil)
)

const tsLayout = "2006-01-02T15:04:05.000000Z"

// formatTime renders t as fixed-width UTC text so that lexical and
// chronological order agree.
func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

// checkKey panics when an observation's dedup key disagrees with its
// timestamp. Such a row would corrupt the (station, date, hour) index.
func checkKey(obs models.Observation) {
	want := models.NewObservation(obs.StationID, obs.Timestamp)
	if obs.StationID == "" || want.Date != obs.Date || want.Hour != obs.Hour || !want.Timestamp.Equal(obs.Timestamp) {
		panic("store: observation key " + obs.Key().String() + " does not match timestamp " + obs.Timestamp.String())
	}
}
