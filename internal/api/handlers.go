package api

import (
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/gemstudio/internal/auth"
	"github.com/digkill/gemstudio/internal/service"
)

type generateRequest struct {
	JobID  string               `json:"job_id"`
	Prompt string               `json:"prompt"`
	Images []service.InputImage `json:"images"`
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func (s *Server) handleGenerate(feature service.Feature) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := s.svc.Generation.Generate(r.Context(), principal(r).ID, service.GenerateRequest{
			JobID:   req.JobID,
			Feature: feature,
			Prompt:  req.Prompt,
			Images:  req.Images,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleStartGroup(w http.ResponseWriter, r *http.Request) {
	var req service.GroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	started, err := s.svc.Groups.Start(r.Context(), principal(r).ID, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

// handleProcessGroupJob is the trigger used when the worker runs as a
// separate function invocation instead of a queue consumer.
func (s *Server) handleProcessGroupJob(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Internal-Secret")
	if s.internalSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.internalSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.svc.Groups == nil {
		writeError(w, http.StatusServiceUnavailable, "worker disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.svc.Groups.Process(r.Context(), id); err != nil {
		s.log.Warn("group job failed", "job_id", id, "err", err)
		writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "processed"})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	job, err := s.svc.Generation.Job(r.Context(), p.ID, p.IsAdmin, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.Generation.ListJobs(r.Context(), principal(r).ID, queryInt(r, "limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Generation.DeleteJob(r.Context(), principal(r).ID, chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShareJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Generation.Share(r.Context(), principal(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGallery(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.Generation.Gallery(r.Context(), queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.svc.Accounts.Profile(r.Context(), principal(r).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Accounts.CheckIn(r.Context(), principal(r).ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Accounts.Transactions(r.Context(), principal(r).ID, queryInt(r, "limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Accounts.Leaderboard(r.Context(), queryInt(r, "limit"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type redeemRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleRedeemGift(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	gift, err := s.svc.Gifts.Redeem(r.Context(), principal(r).ID, req.Code)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": gift.Code, "diamonds": gift.Diamonds})
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := s.svc.Packages.List(r.Context(), true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pkgs)
}

type paymentRequest struct {
	PackageID int64 `json:"package_id"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	checkout, err := s.svc.Payments.Create(r.Context(), principal(r).ID, req.PackageID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkout)
}

func (s *Server) handlePayOSWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body error")
		return
	}
	out, err := s.svc.Payments.Webhook(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "order_code": out.OrderCode, "status": out.Status, "credited": out.Credited})
}

func (s *Server) handleAdminUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req service.AdminAccountInput
	if !decodeJSON(w, r, &req) {
		return
	}
	profile, err := s.svc.Accounts.AdminUpdate(r.Context(), principal(r).ID, chi.URLParam(r, "id"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Sweeper.Sweep(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"refunded": n})
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.svc.Credentials.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req service.CredentialInput
	if !decodeJSON(w, r, &req) {
		return
	}
	cred, err := s.svc.Credentials.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) handleUpdateCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req service.CredentialInput
	if !decodeJSON(w, r, &req) {
		return
	}
	cred, err := s.svc.Credentials.Update(r.Context(), id, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Credentials.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListGifts(w http.ResponseWriter, r *http.Request) {
	gifts, err := s.svc.Gifts.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gifts)
}

func (s *Server) handleCreateGift(w http.ResponseWriter, r *http.Request) {
	var req service.GiftInput
	if !decodeJSON(w, r, &req) {
		return
	}
	gift, err := s.svc.Gifts.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, gift)
}

func (s *Server) handleUpdateGift(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req service.GiftInput
	if !decodeJSON(w, r, &req) {
		return
	}
	gift, err := s.svc.Gifts.Update(r.Context(), id, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gift)
}

func (s *Server) handleDeleteGift(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Gifts.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := s.svc.Packages.List(r.Context(), false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pkgs)
}

func (s *Server) handleCreatePackage(w http.ResponseWriter, r *http.Request) {
	var req service.CreatePackageInput
	if !decodeJSON(w, r, &req) {
		return
	}
	pkg, err := s.svc.Packages.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pkg)
}

func (s *Server) handleUpdatePackage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req service.UpdatePackageInput
	if !decodeJSON(w, r, &req) {
		return
	}
	pkg, err := s.svc.Packages.Update(r.Context(), id, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleDeletePackage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Packages.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
