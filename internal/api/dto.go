package api

// Request and response shapes for the GP endpoints. Points are JSON arrays
// of coordinates; batches are arrays of points.

// PointSampled is one historical observation of the objective.
type PointSampled struct {
	Point    []float64 `json:"point"`
	Value    float64   `json:"value"`
	ValueVar float64   `json:"value_var"`
}

// GPHistoricalInfo carries the observations the GP is conditioned on.
type GPHistoricalInfo struct {
	PointsSampled []PointSampled `json:"points_sampled"`
}

// CovarianceInfo selects and parameterizes the covariance function.
// Hyperparameters are [signal_variance, length_scale_1, ..., length_scale_d].
type CovarianceInfo struct {
	CovarianceType  string    `json:"covariance_type,omitempty"`
	Hyperparameters []float64 `json:"hyperparameters"`
}

// DomainBound is one closed coordinate interval.
type DomainBound struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// DomainInfo describes the search box.
type DomainInfo struct {
	Dim          int           `json:"dim"`
	DomainBounds []DomainBound `json:"domain_bounds,omitempty"`
}

// EIRequest asks for the expected improvement of each point in
// PointsToEvaluate, all sharing the same set of points being sampled.
type EIRequest struct {
	GPHistoricalInfo   GPHistoricalInfo `json:"gp_historical_info"`
	CovarianceInfo     CovarianceInfo   `json:"covariance_info"`
	DomainInfo         DomainInfo       `json:"domain_info"`
	PointsToEvaluate   [][]float64      `json:"points_to_evaluate"`
	PointsBeingSampled [][]float64      `json:"points_being_sampled,omitempty"`
	MCIterations       int              `json:"mc_iterations,omitempty"`
	BestSoFar          *float64         `json:"best_so_far,omitempty"`
	Seed               *int64           `json:"seed,omitempty"`
}

// EIResponse returns one estimate per evaluated point.
type EIResponse struct {
	ExpectedImprovement []float64 `json:"expected_improvement"`
}

// GradEIResponse returns one gradient per evaluated point.
type GradEIResponse struct {
	GradExpectedImprovement [][]float64 `json:"grad_expected_improvement"`
}

// NextPointsRequest asks for the batch of NumToSample points maximizing EI
// over the domain.
type NextPointsRequest struct {
	GPHistoricalInfo   GPHistoricalInfo `json:"gp_historical_info"`
	CovarianceInfo     CovarianceInfo   `json:"covariance_info"`
	DomainInfo         DomainInfo       `json:"domain_info"`
	NumToSample        int              `json:"num_to_sample"`
	PointsBeingSampled [][]float64      `json:"points_being_sampled,omitempty"`
	MCIterations       int              `json:"mc_iterations,omitempty"`
	BestSoFar          *float64         `json:"best_so_far,omitempty"`
	Seed               *int64           `json:"seed,omitempty"`
	Restarts           int              `json:"restarts,omitempty"`
	Steps              int              `json:"steps,omitempty"`
}

// NextPointsResponse is the optimizer's best batch and its estimated EI.
type NextPointsResponse struct {
	Points              [][]float64 `json:"points"`
	ExpectedImprovement float64     `json:"expected_improvement"`
}

// HealthResponse reports the backend the server is dispatching to.
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
	Version string `json:"version"`
}

// ResponseError is the error payload wrapped under the "error" key.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
