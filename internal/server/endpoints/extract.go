package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Arke-Institute/arke-metadata-service/internal/api"
	"github.com/Arke-Institute/arke-metadata-service/internal/extract"
	"github.com/Arke-Institute/arke-metadata-service/internal/fetch"
	"github.com/Arke-Institute/arke-metadata-service/internal/pinax"
	"github.com/Arke-Institute/arke-metadata-service/internal/providers"
)

// ExtractRequest is the body for the synchronous extraction endpoint.
// Either a PI (context is fetched from the archive) or inline files.
type ExtractRequest struct {
	PI            string       `json:"pi,omitempty"`
	DirectoryName string       `json:"directory_name,omitempty"`
	Files         []fetch.File `json:"files,omitempty"`
	CustomPrompt  string       `json:"custom_prompt,omitempty"`
	Institution   string       `json:"institution,omitempty"`
	AccessURL     string       `json:"access_url,omitempty"`
	Overrides     pinax.Record `json:"overrides,omitempty"`
}

// ExtractEndpoint handles POST /extract-metadata. Single-shot extraction;
// it shares no state with the chunk engine.
type ExtractEndpoint struct {
	Fetcher   *fetch.Fetcher
	Extractor *extract.Extractor
}

func (e *ExtractEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/extract-metadata", e.handler
}

func (e *ExtractEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req ExtractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON: "+err.Error())
		return
	}

	var bundle *fetch.Bundle
	if req.PI != "" {
		var err error
		bundle, err = e.Fetcher.Fetch(r.Context(), req.PI)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "fetch failed: "+err.Error())
			return
		}
	} else {
		if len(req.Files) == 0 {
			writeError(w, http.StatusBadRequest, "either pi or files is required")
			return
		}
		bundle = &fetch.Bundle{DirectoryName: req.DirectoryName, Files: req.Files}
	}

	result, err := e.Extractor.Extract(r.Context(), extract.Input{
		Bundle:       bundle,
		CustomPrompt: req.CustomPrompt,
		Institution:  req.Institution,
		Overrides:    req.Overrides,
		AccessURL:    req.AccessURL,
		RequestID:    uuid.NewString(),
	})
	if err != nil {
		var parseErr *extract.ParseError
		switch {
		case errors.As(err, &parseErr):
			writeError(w, http.StatusInternalServerError, err.Error())
		case errors.Is(err, providers.ErrLLM):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (e *ExtractEndpoint) Command(getServerURL func() string) *cobra.Command {
	var customPrompt, institution string
	cmd := &cobra.Command{
		Use:   "extract <pi>",
		Short: "Extract a PINAX record for one entity synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var result extract.Result
			err := client.Post(cmd.Context(), "/extract-metadata", ExtractRequest{
				PI:           args[0],
				CustomPrompt: customPrompt,
				Institution:  institution,
			}, &result)
			if err != nil {
				return err
			}
			return api.Print(result)
		},
	}
	cmd.Flags().StringVar(&customPrompt, "custom-prompt", "", "Extra system prompt text")
	cmd.Flags().StringVar(&institution, "institution", "", "Institution override")
	return cmd
}
