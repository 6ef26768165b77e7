package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medbook/internal/domain"
)

func TestCachedDoctorRepositoryHitsDatabaseOnce(t *testing.T) {
	mock := newMock(t)
	repo := NewCachedDoctorRepository(NewDoctorRepository(mock), time.Minute)

	mock.ExpectQuery("FROM doctors").WithArgs(int64(7)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "specialization", "available_days"}).
			AddRow(int64(7), "cardiology", []string{"Monday", "Thursday"}))

	for i := 0; i < 3; i++ {
		doctor, err := repo.GetByID(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, []time.Weekday{time.Monday, time.Thursday}, doctor.AvailableDays)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedDoctorRepositoryInvalidate(t *testing.T) {
	mock := newMock(t)
	repo := NewCachedDoctorRepository(NewDoctorRepository(mock), time.Minute)

	rows := func() *pgxmock.Rows {
		return pgxmock.NewRows([]string{"id", "specialization", "available_days"}).
			AddRow(int64(7), "cardiology", []string{"Monday"})
	}
	mock.ExpectQuery("FROM doctors").WithArgs(int64(7)).WillReturnRows(rows())
	mock.ExpectQuery("FROM doctors").WithArgs(int64(7)).WillReturnRows(rows())

	_, err := repo.GetByID(context.Background(), 7)
	require.NoError(t, err)
	repo.Invalidate(7)
	_, err = repo.GetByID(context.Background(), 7)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDoctorNotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewCachedDoctorRepository(NewDoctorRepository(mock), time.Minute)

	mock.ExpectQuery("FROM doctors").WithArgs(int64(9)).WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByID(context.Background(), 9)
	assert.ErrorIs(t, err, domain.ErrDoctorNotFound)
}
