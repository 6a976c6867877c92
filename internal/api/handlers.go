package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/alvmarrod/profile-refresh/internal/storage"
	"github.com/alvmarrod/profile-refresh/internal/version"
)

const maxBodyBytes = 1 << 16

type scrapeRequest struct {
	Username string `json:"username"`
}

type scrapeData struct {
	Username      string `json:"username"`
	ProfileExists bool   `json:"profile_exists"`
	AttemptID     int64  `json:"attempt_id"`
	QueuedAt      string `json:"queued_at"`
}

type pagination struct {
	CurrentPage int  `json:"current_page"`
	LastPage    int  `json:"last_page"`
	PerPage     int  `json:"per_page"`
	Total       int  `json:"total"`
	From        *int `json:"from"`
	To          *int `json:"to"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Profile refresh API is running",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"version":   version.Version,
	})
}

// handleScrape queues an immediate scrape, creating the profile if needed
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
			return
		}
	}

	username, errs := validateUsername(req.Username)
	if !errs.empty() {
		writeValidation(w, "Validation failed", errs)
		return
	}

	res, err := s.disp.TriggerManual(r.Context(), username)
	if errors.Is(err, storage.ErrAttemptInFlight) {
		writeError(w, http.StatusConflict, CodeScrapeInProgress,
			fmt.Sprintf("A scrape is already in progress for username: %s", username))
		return
	}
	if err != nil {
		logrus.WithField("username", username).Errorf("Failed to queue profile scraping: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to queue profile scraping")
		return
	}

	writeOK(w, fmt.Sprintf("Profile scraping queued for username: %s", username), scrapeData{
		Username:      res.Username,
		ProfileExists: res.ProfileExists,
		AttemptID:     res.AttemptID,
		QueuedAt:      res.QueuedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	opts, errs := parseListOptions(r.URL.Query())
	if !errs.empty() {
		writeValidation(w, "Invalid parameters", errs)
		return
	}

	profiles, total, err := s.store.ListProfiles(r.Context(), opts)
	if err != nil {
		logrus.Errorf("Failed to retrieve profiles: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to retrieve profiles")
		return
	}

	page := pagination{
		CurrentPage: opts.Page,
		LastPage:    max(1, (total+opts.Limit-1)/opts.Limit),
		PerPage:     opts.Limit,
		Total:       total,
	}
	if len(profiles) > 0 {
		from := opts.Offset() + 1
		to := opts.Offset() + len(profiles)
		page.From, page.To = &from, &to
	}

	writeOK(w, fmt.Sprintf("Retrieved %d profiles", len(profiles)), map[string]any{
		"profiles":   profiles,
		"pagination": page,
	})
}

// lookupProfile writes a 404 and returns nil when the profile is unknown
func (s *Server) lookupProfile(w http.ResponseWriter, r *http.Request) *storage.Profile {
	username := storage.NormalizeUsername(chi.URLParam(r, "username"))
	p, err := s.store.GetProfile(r.Context(), username)
	if err != nil {
		logrus.WithField("username", username).Errorf("Failed to load profile: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to retrieve profile")
		return nil
	}
	if p == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("Profile not found: %s", username))
		return nil
	}
	return p
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p := s.lookupProfile(w, r)
	if p == nil {
		return
	}

	latest, err := s.disp.Tracker().Latest(r.Context(), p.ID)
	if err != nil {
		logrus.WithField("username", p.Username).Errorf("Failed to load latest scrape: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to retrieve profile")
		return
	}

	writeOK(w, fmt.Sprintf("Retrieved profile %s", p.Username), map[string]any{
		"profile":       p,
		"latest_scrape": latest,
	})
}

func (s *Server) handleListScrapes(w http.ResponseWriter, r *http.Request) {
	errs := validationErrors{}
	limit := intParam(r.URL.Query(), "limit", 20, 1, 100, errs)
	if !errs.empty() {
		writeValidation(w, "Invalid parameters", errs)
		return
	}

	p := s.lookupProfile(w, r)
	if p == nil {
		return
	}

	attempts, err := s.disp.Tracker().History(r.Context(), p.ID, limit)
	if err != nil {
		logrus.WithField("username", p.Username).Errorf("Failed to load scrape history: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to retrieve scrape history")
		return
	}
	if attempts == nil {
		attempts = []*storage.ScrapeAttempt{}
	}

	writeOK(w, fmt.Sprintf("Retrieved %d scrapes", len(attempts)), map[string]any{
		"username": p.Username,
		"scrapes":  attempts,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query, limit, errs := parseSearch(r.URL.Query())
	if !errs.empty() {
		writeValidation(w, "Invalid search parameters", errs)
		return
	}

	profiles, err := s.store.SearchProfiles(r.Context(), query, limit)
	if err != nil {
		logrus.WithField("query", query).Errorf("Search failed: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "Search failed")
		return
	}
	if profiles == nil {
		profiles = []*storage.Profile{}
	}

	writeOK(w, fmt.Sprintf("Found %d profiles matching '%s'", len(profiles), query), map[string]any{
		"query":    query,
		"total":    len(profiles),
		"limit":    limit,
		"profiles": profiles,
	})
}
