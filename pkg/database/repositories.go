// Repositories - Convenience wrapper for all database repositories
// Provides a single point of access to all repository types

package database

// Repositories holds all repository instances
type Repositories struct {
	Jobs             *JobRepository
	ExecutionHistory *ExecutionHistoryRepository
	Workers          *WorkerRepository
	Artifacts        *ArtifactRepository
	IngestorState    *IngestorStateRepository
}

// NewRepositories creates all repositories with the given client
func NewRepositories(client *Client) *Repositories {
	return &Repositories{
		Jobs:             NewJobRepository(client),
		ExecutionHistory: NewExecutionHistoryRepository(client),
		Workers:          NewWorkerRepository(client),
		Artifacts:        NewArtifactRepository(client),
		IngestorState:    NewIngestorStateRepository(client),
	}
}
