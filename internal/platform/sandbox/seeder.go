// Package sandbox generates reproducible staff rosters and ED encounters for
// development and demo databases.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/domain/encounter"
	"github.com/ehr/edflow/internal/domain/staff"
	"github.com/ehr/edflow/internal/platform/auth"
)

// SeedConfig controls the volume of generated data.
type SeedConfig struct {
	Doctors    int
	Nurses     int
	Admins     int
	Encounters int
	Seed       int64
}

func DefaultSeedConfig() SeedConfig {
	return SeedConfig{Doctors: 4, Nurses: 6, Admins: 1, Encounters: 12, Seed: 1}
}

// SeedResult summarizes one seeding run.
type SeedResult struct {
	Staff      []staff.Staff
	Encounters []*encounter.Encounter
}

var (
	firstNames = []string{
		"James", "Robert", "Michael", "David", "Daniel", "Matthew", "Andrew",
		"Mary", "Patricia", "Jennifer", "Linda", "Elizabeth", "Sarah", "Emily",
		"Siti", "Ahmad", "Dewi", "Budi", "Rina", "Agus",
	}
	lastNames = []string{
		"Smith", "Johnson", "Garcia", "Miller", "Davis", "Martinez", "Lopez",
		"Wilson", "Anderson", "Taylor", "Nguyen", "Santoso", "Wijaya", "Pratama",
	}

	// complaints pairs a chief complaint with the triage level it usually
	// presents at.
	complaints = []struct {
		text   string
		triage int
	}{
		{"Chest pain radiating to left arm", 2},
		{"Shortness of breath", 2},
		{"Sudden onset weakness of right side", 1},
		{"Abdominal pain, lower right quadrant", 3},
		{"High fever and chills", 3},
		{"Laceration to forearm", 4},
		{"Ankle sprain after fall", 4},
		{"Persistent headache", 3},
		{"Palpitations", 3},
		{"Medication refill request", 5},
		{"Unresponsive, found at home", 1},
		{"Vomiting for two days", 3},
	}
)

// DataGenerator produces deterministic synthetic records from a seed.
type DataGenerator struct {
	rng     *rand.Rand
	counter int
}

func NewDataGenerator(seed int64) *DataGenerator {
	return &DataGenerator{rng: rand.New(rand.NewSource(seed))}
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) between(lo, hi int) int {
	return lo + g.rng.Intn(hi-lo+1)
}

func (g *DataGenerator) id() uuid.UUID {
	id, err := uuid.NewRandomFromReader(g.rng)
	if err != nil {
		return uuid.New()
	}
	return id
}

// GenerateStaff returns an active staff member with role r.
func (g *DataGenerator) GenerateStaff(r auth.Role) staff.Staff {
	name := g.pick(firstNames) + " " + g.pick(lastNames)
	switch r {
	case auth.RoleDoctor:
		name = "dr. " + name
	case auth.RoleNurse:
		name = "Ns. " + name
	}
	return staff.Staff{ID: g.id(), Name: name, Role: r, Active: true}
}

// GenerateEncounter returns a registration request for an encounter under
// doctor. Vitals stay inside the ranges accepted at registration.
func (g *DataGenerator) GenerateEncounter(doctor uuid.UUID) encounter.CreateRequest {
	g.counter++
	c := complaints[g.rng.Intn(len(complaints))]

	hr := g.between(55, 130)
	sys := g.between(95, 170)
	dia := g.between(55, sys-30)
	temp := float64(g.between(360, 395)) / 10
	rr := g.between(12, 28)
	spo2 := g.between(88, 100)

	return encounter.CreateRequest{
		PatientMRN:         fmt.Sprintf("MRN-%06d-%03d", g.rng.Intn(1000000), g.counter),
		TriageLevel:        c.triage,
		ChiefComplaint:     c.text,
		ResponsibleStaffID: doctor,
		Vitals: &encounter.Vitals{
			HeartRate:        &hr,
			SystolicBP:       &sys,
			DiastolicBP:      &dia,
			Temperature:      &temp,
			RespiratoryRate:  &rr,
			OxygenSaturation: &spo2,
		},
	}
}

// StaffWriter persists staff members. *staff.Service implements it.
type StaffWriter interface {
	CreateStaff(ctx context.Context, st *staff.Staff) error
}

// EncounterWriter registers encounters. *encounter.Service implements it.
type EncounterWriter interface {
	CreateEncounter(ctx context.Context, actor auth.Actor, req encounter.CreateRequest) (*encounter.Encounter, error)
}

// Seeder writes a generated roster and its encounters through the services,
// so every record passes the same validation as API traffic.
type Seeder struct {
	config     SeedConfig
	gen        *DataGenerator
	staff      StaffWriter
	encounters EncounterWriter
	logger     zerolog.Logger
}

func NewSeeder(config SeedConfig, sw StaffWriter, ew EncounterWriter, logger zerolog.Logger) *Seeder {
	return &Seeder{
		config:     config,
		gen:        NewDataGenerator(config.Seed),
		staff:      sw,
		encounters: ew,
		logger:     logger,
	}
}

// Run creates the roster first, then distributes encounters round-robin over
// the doctors. Encounters need at least one doctor.
func (s *Seeder) Run(ctx context.Context) (*SeedResult, error) {
	if s.config.Encounters > 0 && s.config.Doctors < 1 {
		return nil, fmt.Errorf("seeding encounters requires at least one doctor")
	}

	res := &SeedResult{}
	var doctors []staff.Staff
	for _, batch := range []struct {
		role auth.Role
		n    int
	}{
		{auth.RoleDoctor, s.config.Doctors},
		{auth.RoleNurse, s.config.Nurses},
		{auth.RoleAdmin, s.config.Admins},
	} {
		for i := 0; i < batch.n; i++ {
			st := s.gen.GenerateStaff(batch.role)
			if err := s.staff.CreateStaff(ctx, &st); err != nil {
				return res, fmt.Errorf("seed %s %d: %w", batch.role, i+1, err)
			}
			res.Staff = append(res.Staff, st)
			if batch.role == auth.RoleDoctor {
				doctors = append(doctors, st)
			}
		}
	}

	for i := 0; i < s.config.Encounters; i++ {
		doc := doctors[i%len(doctors)]
		req := s.gen.GenerateEncounter(doc.ID)
		enc, err := s.encounters.CreateEncounter(ctx, auth.Actor{StaffID: doc.ID, Role: auth.RoleDoctor}, req)
		if err != nil {
			return res, fmt.Errorf("seed encounter %d: %w", i+1, err)
		}
		res.Encounters = append(res.Encounters, enc)
	}

	s.logger.Info().Int("staff", len(res.Staff)).Int("encounters", len(res.Encounters)).
		Int64("seed", s.config.Seed).Msg("sandbox data seeded")
	return res, nil
}
