// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.mau.fi/util/exhttp"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
)

// maxTransactionBodySize caps inbound transaction bodies (4 MB).
const maxTransactionBodySize = 4 << 20

// Handler returns the appservice HTTP API: the transaction endpoint the
// homeserver pushes events to, plus the ping endpoint. All routes require
// the hs_token as a bearer token.
func (br *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /_matrix/app/v1/transactions/{txnID}", br.authenticated(br.handleTransactionRequest))
	mux.HandleFunc("POST /_matrix/app/v1/ping", br.authenticated(br.handlePing))
	return mux
}

// authenticated rejects requests that do not carry the homeserver token.
func (br *Bridge) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, mautrix.MMissingToken, "Authorization header was not provided")
			return
		}
		if strings.TrimPrefix(auth, "Bearer ") != br.cfg.Appservice.HSToken {
			writeError(w, http.StatusForbidden, mautrix.MUnknownToken, "Authorization header is invalid")
			return
		}
		next(w, r)
	}
}

func (br *Bridge) handleTransactionRequest(w http.ResponseWriter, r *http.Request) {
	txnID := r.PathValue("txnID")

	r.Body = http.MaxBytesReader(w, r.Body, maxTransactionBodySize)
	var txn appservice.Transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		writeError(w, http.StatusBadRequest, mautrix.MNotJSON, "Request body is not valid JSON")
		return
	}

	br.log.Debug().
		Str("txn_id", txnID).
		Int("events", len(txn.Events)).
		Msg("Received transaction")

	if err := br.HandleTransaction(r.Context(), &txn); err != nil {
		var respErr mautrix.RespError
		if errors.As(err, &respErr) {
			writeError(w, statusForError(respErr), respErr, respErr.Err)
			return
		}
		br.log.Error().Err(err).Str("txn_id", txnID).Msg("Transaction handling failed")
		writeError(w, http.StatusInternalServerError, mautrix.MUnknown, "An error has occured")
		return
	}
	exhttp.WriteEmptyJSONResponse(w, http.StatusOK)
}

func (br *Bridge) handlePing(w http.ResponseWriter, _ *http.Request) {
	exhttp.WriteEmptyJSONResponse(w, http.StatusOK)
}

func writeError(w http.ResponseWriter, status int, code mautrix.RespError, message string) {
	if message == "" {
		message = code.Err
	}
	exhttp.WriteJSONResponse(w, status, &mautrix.RespError{
		ErrCode: code.ErrCode,
		Err:     message,
	})
}

func statusForError(respErr mautrix.RespError) int {
	switch respErr.ErrCode {
	case mautrix.MBadJSON.ErrCode, mautrix.MNotJSON.ErrCode:
		return http.StatusBadRequest
	case mautrix.MMissingToken.ErrCode:
		return http.StatusUnauthorized
	case mautrix.MForbidden.ErrCode, mautrix.MUnknownToken.ErrCode:
		return http.StatusForbidden
	case mautrix.MLimitExceeded.ErrCode:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
