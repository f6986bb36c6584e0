package entity

// HealthCheckResponse структура ответа для health check
type HealthCheckResponse struct {
	Status  bool                    `json:"status" example:"true"`
	Role    string                  `json:"role" example:"inventory"`
	Message string                  `json:"message" example:"success"`
	Version string                  `json:"version" example:"0.1.0"`
	Checks  HealthCheckResponseData `json:"checks"`
}

type HealthCheckResponseData struct {
	Database HealthCheckItem `json:"database"`
	Kafka    HealthCheckItem `json:"kafka"`
}

type HealthCheckItem struct {
	Status bool   `json:"status" example:"true"`
	Type   string `json:"type" example:"postgresql"`
	Error  string `json:"error,omitempty" example:"Database connection failed"`
}

// HealthReport - результат проверки зависимостей на уровне сервиса.
type HealthReport struct {
	DatabaseErr error
	KafkaErr    error
}

func (r HealthReport) Healthy() bool {
	return r.DatabaseErr == nil && r.KafkaErr == nil
}

func (r HealthReport) Response(role, version string) HealthCheckResponse {
	resp := HealthCheckResponse{
		Status:  r.Healthy(),
		Role:    role,
		Message: "success",
		Version: version,
		Checks: HealthCheckResponseData{
			Database: HealthCheckItem{Status: r.DatabaseErr == nil, Type: "postgresql"},
			Kafka:    HealthCheckItem{Status: r.KafkaErr == nil, Type: "kafka"},
		},
	}
	if r.DatabaseErr != nil {
		resp.Checks.Database.Error = "Database connection failed"
		resp.Message = "Some services are unavailable"
	}
	if r.KafkaErr != nil {
		resp.Checks.Kafka.Error = "Kafka connection failed"
		resp.Message = "Some services are unavailable"
	}
	return resp
}
