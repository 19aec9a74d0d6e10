package api

import (
	"io"
	"net/http"
	"time"

	"github.com/eida/eidastats/internal/auth"
	"github.com/eida/eidastats/internal/query"
	"github.com/eida/eidastats/internal/restriction"
	"github.com/eida/eidastats/pkg/models"
)

// Aliases keep the route table readable.
const (
	queryPublic     = query.Public
	queryRestricted = query.Restricted
	queryRaw        = query.Raw
)

// maxTokenSize bounds the signed-token body on query endpoints.
const maxTokenSize = 64 * 1024

// authenticate verifies the signed token carried as the request body.
func (s *Server) authenticate(r *http.Request) (*auth.Identity, error) {
	if s.verifier == nil {
		return nil, models.ErrBadSignature
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTokenSize))
	if err != nil {
		return nil, models.ErrBadSignature
	}
	return s.verifier.Verify(body, time.Now())
}

// statsHandler serves the three dataselect endpoints; they differ in
// authentication and in how restricted networks are handled.
func (s *Server) statsHandler(endpoint query.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		caller := query.Caller{}
		if endpoint != query.Public {
			identity, err := s.authenticate(r)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			caller.Groups = identity.Groups
		}

		nodes, err := s.store.ListNodes(ctx)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		networks, err := s.store.ListNetworks(ctx)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		caller.Operator = restriction.IsOperator(caller.Groups, nodes)

		plan, err := query.Validate(endpoint, r.URL.Query(), caller.Operator)
		if err != nil {
			s.fail(w, r, err)
			return
		}

		index := query.NewPolicyIndex(nodes, networks)
		if err := query.Gate(plan, caller, index); err != nil {
			s.fail(w, r, err)
			return
		}

		rows, err := s.store.QueryStats(ctx, plan.Filter)
		if err != nil {
			s.fail(w, r, err)
			return
		}

		out, err := query.Execute(plan, caller, index, rows)
		if err != nil {
			s.fail(w, r, err)
			return
		}

		switch plan.Format {
		case "json":
			w.Header().Set("Content-Type", "application/json")
			err = query.WriteJSON(w, plan, out)
		default:
			w.Header().Set("Content-Type", "text/csv")
			err = query.WriteCSV(w, plan, out)
		}
		if err != nil {
			s.log.Error().Err(err).Msg("writing response failed")
		}
	}
}
