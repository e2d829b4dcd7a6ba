package apifetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"peerflow/internal/timerange"
	"peerflow/internal/types"
)

// Wise API endpoints. The sandbox is used when the facade is constructed
// with useSandbox set, typically in staging environments.
const (
	WiseBaseURLProd    = "https://api.wise.com/v1"
	WiseBaseURLSandbox = "https://api.sandbox.transferwise.tech/v1"
)

// WiseFacade fetches balance statements for every configured sub-account
// across every calculated datetime range. Statements containing at least
// one transaction are stored in the upload bucket; empty statements are
// skipped.
type WiseFacade struct {
	store        ObjectStore
	client       HTTPDoer
	uploadBucket string
	peerID       string
	apiKey       types.SecretString
	config       *types.WiseConfig
	rangeCalc    timerange.Calculator
	baseURL      string
	logger       *slog.Logger
}

// NewWiseFacade creates a WiseFacade for one peer.
func NewWiseFacade(
	store ObjectStore,
	client HTTPDoer,
	uploadBucket string,
	peerID string,
	apiKey types.SecretString,
	config *types.WiseConfig,
	rangeCalc timerange.Calculator,
	useSandbox bool,
	logger *slog.Logger,
) *WiseFacade {
	baseURL := WiseBaseURLProd
	if useSandbox {
		baseURL = WiseBaseURLSandbox
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WiseFacade{
		store:        store,
		client:       client,
		uploadBucket: uploadBucket,
		peerID:       peerID,
		apiKey:       apiKey,
		config:       config,
		rangeCalc:    rangeCalc,
		baseURL:      baseURL,
		logger:       logger,
	}
}

// Execute fetches balance statements for each sub-account and range pair.
// Responses whose transaction list is empty produce no output. Any HTTP or
// parse failure fails the whole call.
func (f *WiseFacade) Execute(ctx context.Context) ([]types.ObjectRef, error) {
	if f.config == nil {
		return nil, types.NewAppError(
			types.ErrCodeConfigIntegrationMissing,
			fmt.Sprintf("peer %q has no wise configuration", f.peerID),
			nil,
		)
	}

	ranges := f.rangeCalc.Calculate()

	described := make([]string, 0, len(ranges))
	for _, r := range ranges {
		described = append(described, fmt.Sprintf("%s - %s", r.StartTimeISO, r.EndTimeISO))
	}
	f.logger.InfoContext(ctx, "looking at statements", "ranges", strings.Join(described, ","))

	if len(f.config.SubAccounts) == 0 {
		f.logger.WarnContext(ctx, "profile has no sub_accounts configured",
			"profile", f.config.Profile, "peer", f.peerID)
	}

	var uploaded []types.ObjectRef

	for _, subAccount := range f.config.SubAccounts {
		for _, r := range ranges {
			statement, err := f.balanceStatement(ctx, f.config.Profile, subAccount, r)
			if err != nil {
				return nil, err
			}

			if len(statement.Transactions) == 0 {
				f.logger.InfoContext(ctx, "no transactions found in range, not writing output",
					"sub_account", subAccount, "range_start", r.StartTimeISO)
				continue
			}

			objectKey := WiseObjectKey(f.peerID, f.config.Profile, subAccount, "balance_statement", r)
			ref, err := f.store.Put(ctx, f.uploadBucket, objectKey, strings.NewReader(string(statement.Raw)))
			if err != nil {
				return nil, err
			}
			uploaded = append(uploaded, ref)
		}
	}

	return uploaded, nil
}

// wiseStatement carries the parsed transaction list alongside the raw
// response body, which is stored verbatim.
type wiseStatement struct {
	Transactions []json.RawMessage
	Raw          []byte
}

func (f *WiseFacade) balanceStatement(ctx context.Context, profile, subAccount string, r timerange.Range) (*wiseStatement, error) {
	url := fmt.Sprintf(
		"%s/profiles/%s/balance-statements/%s/statement.json?intervalStart=%s&intervalEnd=%s&type=COMPACT",
		f.baseURL, profile, subAccount, r.StartTimeISO, r.EndTimeISO,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build wise request", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.apiKey.Unmask())
	req.Header.Set("Content-Type", "application/json")

	f.logger.InfoContext(ctx, "calling wise", "url", url)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamHTTP,
			fmt.Sprintf("unable to fetch balance statements for profile %s and account %s", profile, subAccount),
			err,
		)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamHTTP, "unable to read wise response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamHTTP,
			fmt.Sprintf("wise returned %d for profile %s and account %s", resp.StatusCode, profile, subAccount),
			nil,
		)
	}

	var parsed struct {
		Transactions []json.RawMessage `json:"transactions"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBadPayload, "unable to parse wise response", err)
	}

	return &wiseStatement{Transactions: parsed.Transactions, Raw: body}, nil
}

// WiseObjectKey builds the upload key for one statement:
// <peer>/<profile>/<sub>_<type>_<start>_<end>.json.
func WiseObjectKey(peerID, profile, subAccount, statementType string, r timerange.Range) string {
	return fmt.Sprintf("%s/%s/%s_%s_%s_%s.json",
		peerID, profile, subAccount, statementType, r.StartTimeISO, r.EndTimeISO)
}
