package api

import (
	"net/http"
	"strings"

	"github.com/atmx/outcome-exchange/internal/model"
)

type fundRequestBody struct {
	AmountCents int64  `json:"amount_cents" validate:"required,gt=0"`
	Reason      string `json:"reason" validate:"required,max=1000"`
}

func (s *Server) createFundRequest(w http.ResponseWriter, r *http.Request) {
	var body fundRequestBody
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.funding.Create(r.Context(), userID(r.Context()), body.AmountCents, body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) myFundRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.funding.ListForUser(r.Context(), userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) listFundRequests(w http.ResponseWriter, r *http.Request) {
	status := model.FundRequestStatus(strings.ToUpper(r.URL.Query().Get("status")))
	reqs, err := s.funding.List(r.Context(), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) approveFundRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "requestID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.funding.Approve(r.Context(), id, userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) denyFundRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "requestID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.funding.Deny(r.Context(), id, userID(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
