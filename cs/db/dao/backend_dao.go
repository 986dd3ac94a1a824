package dao

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"clashstats/cs/common/config"
	"clashstats/cs/common/logx"
	"clashstats/cs/model"

	"gorm.io/gorm"
)

var backendDaoLog = logx.New(logx.WithPrefix("backend.dao"))

var (
	ErrBackendNotFound = errors.New("backend not found")
	ErrInvalidBackend  = errors.New("backend name and url are required")
)

// BackendDao is the registry of proxy backends. At most one backend is active at a time.
type BackendDao struct {
	db *gorm.DB
}

func NewBackendDao(db *gorm.DB) *BackendDao { return &BackendDao{db: db} }

// BackendPatch carries the fields of a partial update; nil means unchanged.
type BackendPatch struct {
	Name      *string `json:"name"`
	URL       *string `json:"url"`
	Token     *string `json:"token"`
	Enabled   *bool   `json:"enabled"`
	Listening *bool   `json:"listening"`
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrBackendNotFound
	}
	return err
}

func (d *BackendDao) Create(ctx context.Context, b *model.Backend) error {
	b.Name, b.URL = strings.TrimSpace(b.Name), strings.TrimSpace(b.URL)
	if b.Name == "" || b.URL == "" {
		return ErrInvalidBackend
	}
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.Backend{}).Count(&n).Error; err != nil {
			return err
		}
		// the first backend becomes active so subscribers have something to follow
		if n == 0 {
			b.IsActive = true
		}
		if b.IsActive {
			if err := tx.Model(&model.Backend{}).Where("is_active = ?", true).Update("is_active", false).Error; err != nil {
				return err
			}
		}
		return tx.Create(b).Error
	})
}

func (d *BackendDao) List(ctx context.Context) ([]model.Backend, error) {
	var out []model.Backend
	err := d.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&out).Error
	return out, err
}

func (d *BackendDao) Get(ctx context.Context, id int64) (*model.Backend, error) {
	var b model.Backend
	if err := d.db.WithContext(ctx).Where("id = ?", id).Take(&b).Error; err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

// Active returns the active backend or ErrBackendNotFound.
func (d *BackendDao) Active(ctx context.Context) (*model.Backend, error) {
	var b model.Backend
	if err := d.db.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Take(&b).Error; err != nil {
		return nil, notFound(err)
	}
	return &b, nil
}

// Listening returns the backends a collector pipeline must run for.
func (d *BackendDao) Listening(ctx context.Context) ([]model.Backend, error) {
	var out []model.Backend
	err := d.db.WithContext(ctx).Where("enabled = ? AND listening = ?", true, true).Order("id ASC").Find(&out).Error
	return out, err
}

func (d *BackendDao) Update(ctx context.Context, id int64, p BackendPatch) (*model.Backend, error) {
	b, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	upd := map[string]any{}
	if p.Name != nil {
		if v := strings.TrimSpace(*p.Name); v != "" {
			upd["name"] = v
		} else {
			return nil, ErrInvalidBackend
		}
	}
	if p.URL != nil {
		if v := strings.TrimSpace(*p.URL); v != "" {
			upd["url"] = v
		} else {
			return nil, ErrInvalidBackend
		}
	}
	if p.Token != nil {
		upd["token"] = *p.Token
	}
	if p.Enabled != nil {
		upd["enabled"] = *p.Enabled
	}
	if p.Listening != nil {
		upd["listening"] = *p.Listening
	}
	if len(upd) == 0 {
		return b, nil
	}
	if err := d.db.WithContext(ctx).Model(b).Updates(upd).Error; err != nil {
		return nil, err
	}
	return d.Get(ctx, id)
}

// SetActive makes id the only active backend.
func (d *BackendDao) SetActive(ctx context.Context, id int64) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.Backend{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrBackendNotFound
		}
		if err := tx.Model(&model.Backend{}).Where("id <> ? AND is_active = ?", id, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Model(&model.Backend{Id: id}).Update("is_active", true).Error
	})
}

func (d *BackendDao) SetListening(ctx context.Context, id int64, listening bool) error {
	r := d.db.WithContext(ctx).Model(&model.Backend{Id: id}).Update("listening", listening)
	if r.Error != nil {
		return r.Error
	}
	if r.RowsAffected == 0 {
		if _, err := d.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the backend together with every row it owns.
func (d *BackendDao) Delete(ctx context.Context, id int64) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var b model.Backend
		if err := tx.Where("id = ?", id).Take(&b).Error; err != nil {
			return notFound(err)
		}
		for _, m := range []any{
			&model.DomainStat{}, &model.IPStat{}, &model.ProxyStat{}, &model.RuleStat{},
			&model.CountryStat{}, &model.HourlyStat{}, &model.RuleProxy{}, &model.ConnectionLog{},
		} {
			if err := tx.Where("backend_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		if err := tx.Delete(&b).Error; err != nil {
			return err
		}
		if !b.IsActive {
			return nil
		}
		// hand the active flag to the oldest remaining backend
		var next model.Backend
		err := tx.Order("id ASC").Take(&next).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return tx.Model(&next).Update("is_active", true).Error
	})
}

// Seed creates the configured backends when the registry is empty.
func (d *BackendDao) Seed(ctx context.Context, seeds []config.SeedBackend) (int, error) {
	if len(seeds) == 0 {
		return 0, nil
	}
	var n int64
	if err := d.db.WithContext(ctx).Model(&model.Backend{}).Count(&n).Error; err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	created := 0
	for _, s := range seeds {
		b := &model.Backend{Name: s.Name, URL: s.URL, Token: s.Token, Enabled: true, IsActive: s.Active, Listening: true}
		if s.Listening != nil {
			b.Listening = *s.Listening
		}
		if err := d.Create(ctx, b); err != nil {
			return created, err
		}
		backendDaoLog.Infof("seeded backend id=%d name=%s url=%s", b.Id, b.Name, b.URL)
		created++
	}
	return created, nil
}

type BackendNap struct {
	Backend     model.Backend
	Fingerprint string // changes whenever the feed must be reopened
}

// SnapshotListening returns the listening backends keyed by id.
func (d *BackendDao) SnapshotListening(ctx context.Context) (map[int64]BackendNap, error) {
	list, err := d.Listening(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]BackendNap, len(list))
	for _, b := range list {
		h := sha256.New()
		h.Write([]byte(b.URL))
		h.Write([]byte("|"))
		h.Write([]byte(b.Token))
		h.Write([]byte("|"))
		h.Write([]byte(strconv.FormatInt(b.Id, 10)))
		out[b.Id] = BackendNap{Backend: b, Fingerprint: hex.EncodeToString(h.Sum(nil))}
	}
	return out, nil
}
