package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iago/directory-api/internal/domain"
	"github.com/iago/directory-api/internal/repository"
)

type statsResponse struct {
	Enrolments int `json:"enrolments"`
	Companies  int `json:"companies"`
	Suppliers  int `json:"suppliers"`
}

func (api *API) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := api.reader.Counts(r.Context())
	if err != nil {
		api.logger.Errorw("load record counts failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load counts")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Enrolments: counts.Enrolments,
		Companies:  counts.Companies,
		Suppliers:  counts.Suppliers,
	})
}

type companyResponse struct {
	ID             string                 `json:"id"`
	Number         string                 `json:"number"`
	Name           string                 `json:"name"`
	ExportStatus   string                 `json:"export_status,omitempty"`
	DateOfCreation string                 `json:"date_of_creation,omitempty"`
	Aims           []string               `json:"aims,omitempty"`
	ContactDetails *domain.ContactDetails `json:"contact_details,omitempty"`
	IsPublished    bool                   `json:"is_published"`
	CreatedAt      time.Time              `json:"created_at"`
}

// GetCompany looks a company up by its registration number. Verification codes are never exposed,
// and contact details only once the company is published.
func (api *API) GetCompany(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(chi.URLParam(r, "number"))
	if number == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "company number is required")
		return
	}

	company, err := api.reader.GetCompanyByNumber(r.Context(), number)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "company not found")
			return
		}
		api.logger.Errorw("load company failed", "company_number", number, "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load company")
		return
	}

	response := companyResponse{
		ID:           company.ID,
		Number:       company.Number,
		Name:         company.Name,
		ExportStatus: company.ExportStatus,
		Aims:         company.Aims,
		IsPublished:  company.IsPublished,
		CreatedAt:    company.CreatedAt,
	}
	if company.IsPublished {
		response.ContactDetails = company.ContactDetails
	}
	if company.DateOfCreation != nil {
		response.DateOfCreation = company.DateOfCreation.Format(time.DateOnly)
	}
	writeJSON(w, http.StatusOK, response)
}
