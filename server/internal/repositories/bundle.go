package repositories

import "gorm.io/gorm"

// Repositories bundles every repository over one database handle so the
// wiring in cmd/server stays a single call.
type Repositories struct {
	Teams       TeamRepository
	Agents      AgentRepository
	Jobs        JobRepository
	Results     ResultRepository
	Connectors  ConnectorRepository
	Collections CollectionRepository
	Uploads     UploadSessionRepository
	Retention   RetentionPolicyRepository
	Schedules   ScheduleRepository
}

// New constructs the full repository set backed by the provided *gorm.DB.
func New(database *gorm.DB) *Repositories {
	return &Repositories{
		Teams:       NewTeamRepository(database),
		Agents:      NewAgentRepository(database),
		Jobs:        NewJobRepository(database),
		Results:     NewResultRepository(database),
		Connectors:  NewConnectorRepository(database),
		Collections: NewCollectionRepository(database),
		Uploads:     NewUploadSessionRepository(database),
		Retention:   NewRetentionPolicyRepository(database),
		Schedules:   NewScheduleRepository(database),
	}
}
