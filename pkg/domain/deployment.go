package domain

// Deployment selects production or development behaviour.
type Deployment string

const (
	DeploymentProduction  Deployment = "production"
	DeploymentDevelopment Deployment = "development"
)

// Valid reports whether d is a known deployment mode.
func (d Deployment) Valid() bool {
	return d == DeploymentProduction || d == DeploymentDevelopment
}
