package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/patrickmn/go-cache"

	"medbook/internal/domain"
)

type DoctorRepo struct {
	db querier
}

func NewDoctorRepository(db DB) *DoctorRepo {
	return &DoctorRepo{db: db}
}

func (r *DoctorRepo) GetByID(ctx context.Context, id int64) (*domain.Doctor, error) {
	query := `
		SELECT id, specialization, available_days
		FROM doctors
		WHERE id = $1
	`

	var doctor domain.Doctor
	var days []string
	err := r.db.QueryRow(ctx, query, id).Scan(&doctor.ID, &doctor.Specialization, &days)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("doctor %d: %w", id, domain.ErrDoctorNotFound)
		}
		return nil, fmt.Errorf("failed to get doctor: %w", err)
	}

	doctor.AvailableDays = domain.ParseWeekdays(days)
	return &doctor, nil
}

// CachedDoctorRepo serves directory lookups from memory for ttl.
type CachedDoctorRepo struct {
	next  DoctorRepository
	cache *cache.Cache
}

func NewCachedDoctorRepository(next DoctorRepository, ttl time.Duration) *CachedDoctorRepo {
	return &CachedDoctorRepo{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (r *CachedDoctorRepo) GetByID(ctx context.Context, id int64) (*domain.Doctor, error) {
	key := strconv.FormatInt(id, 10)
	if cached, ok := r.cache.Get(key); ok {
		doctor := cached.(domain.Doctor)
		return &doctor, nil
	}

	doctor, err := r.next.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.cache.Set(key, *doctor, cache.DefaultExpiration)
	return doctor, nil
}

func (r *CachedDoctorRepo) Invalidate(id int64) {
	r.cache.Delete(strconv.FormatInt(id, 10))
}
