package allocation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sahyog/sahyog-backend/internal/models"
)

// Policy decides what an incident needs and how far to look for it.
type Policy struct {
	// Requirements lists acceptable resource types per incident type; the
	// first entry is the primary type.
	Requirements map[models.IncidentType][]models.ResourceType `yaml:"requirements"`
	// Quantity is the number of units requested per severity.
	Quantity map[models.Severity]uint `yaml:"quantity"`
	// BaseRadiusKm is the search radius for a normal incident.
	BaseRadiusKm float64 `yaml:"base_radius_km"`
	// RadiusMultiplier widens the radius per severity; missing entries are 1.
	RadiusMultiplier map[models.Severity]float64 `yaml:"radius_multiplier"`
}

func DefaultPolicy() *Policy {
	return &Policy{
		Requirements: map[models.IncidentType][]models.ResourceType{
			models.IncidentFlood:      {models.ResourceShelter, models.ResourceFoodSupply},
			models.IncidentFire:       {models.ResourceResponseTeam, models.ResourceMedical},
			models.IncidentEarthquake: {models.ResourceResponseTeam, models.ResourceMedical, models.ResourceShelter},
			models.IncidentMedical:    {models.ResourceMedical},
			models.IncidentOther:      {models.ResourceResponseTeam},
		},
		Quantity: map[models.Severity]uint{
			models.SeverityLow:      1,
			models.SeverityMedium:   2,
			models.SeverityHigh:     4,
			models.SeverityCritical: 8,
		},
		BaseRadiusKm: 50,
		RadiusMultiplier: map[models.Severity]float64{
			models.SeverityCritical: 2,
		},
	}
}

// Types returns the acceptable resource types for t.
func (p *Policy) Types(t models.IncidentType) []models.ResourceType {
	return p.Requirements[t]
}

// Requested returns the units an incident of severity s asks for.
func (p *Policy) Requested(s models.Severity) uint {
	return p.Quantity[s]
}

// RadiusKm returns the search radius for severity s.
func (p *Policy) RadiusKm(s models.Severity) float64 {
	if m, ok := p.RadiusMultiplier[s]; ok {
		return p.BaseRadiusKm * m
	}
	return p.BaseRadiusKm
}

// Validate reports every problem with the policy.
func (p *Policy) Validate() error {
	var errs []error
	for it, types := range p.Requirements {
		if !it.Valid() {
			errs = append(errs, fmt.Errorf("requirements: unknown incident type %q", it))
		}
		if len(types) == 0 {
			errs = append(errs, fmt.Errorf("requirements.%s: at least one resource type required", it))
		}
		for _, rt := range types {
			if !rt.Valid() {
				errs = append(errs, fmt.Errorf("requirements.%s: unknown resource type %q", it, rt))
			}
		}
	}
	for sev, q := range p.Quantity {
		if !sev.Valid() {
			errs = append(errs, fmt.Errorf("quantity: unknown severity %q", sev))
		}
		if q == 0 {
			errs = append(errs, fmt.Errorf("quantity.%s: must be positive", sev))
		}
	}
	if p.BaseRadiusKm <= 0 {
		errs = append(errs, errors.New("base_radius_km: must be positive"))
	}
	for sev, m := range p.RadiusMultiplier {
		if !sev.Valid() {
			errs = append(errs, fmt.Errorf("radius_multiplier: unknown severity %q", sev))
		}
		if m <= 0 {
			errs = append(errs, fmt.Errorf("radius_multiplier.%s: must be positive", sev))
		}
	}
	return errors.Join(errs...)
}

// LoadPolicy reads a YAML policy file. Entries the file leaves out keep their
// default values.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	p := DefaultPolicy()
	for it, types := range file.Requirements {
		p.Requirements[it] = types
	}
	for sev, q := range file.Quantity {
		p.Quantity[sev] = q
	}
	if file.BaseRadiusKm != 0 {
		p.BaseRadiusKm = file.BaseRadiusKm
	}
	for sev, m := range file.RadiusMultiplier {
		p.RadiusMultiplier[sev] = m
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return p, nil
}

// WatchPolicy reloads the policy file whenever it changes and passes every
// valid version to apply. Invalid edits are logged and ignored. It returns
// when ctx is cancelled.
func WatchPolicy(ctx context.Context, path string, log *zap.Logger, apply func(*Policy)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and config mounts replace the file.
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	log.Info("Watching allocation policy", zap.String("path", target))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			p, err := LoadPolicy(target)
			if err != nil {
				log.Warn("Ignoring invalid allocation policy", zap.Error(err))
				continue
			}
			log.Info("Allocation policy reloaded", zap.String("path", target))
			apply(p)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("Policy watcher error", zap.Error(err))
		}
	}
}
