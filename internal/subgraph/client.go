package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"gotchi-caretaker/internal/care"
	xerrors "gotchi-caretaker/internal/errors"
)

const (
	// DefaultURL is the public Aavegotchi core subgraph on Polygon.
	DefaultURL     = "https://api.thegraph.com/subgraphs/name/aavegotchi/aavegotchi-core-matic"
	DefaultFirst   = 1000
	defaultTimeout = 30 * time.Second
)

// ownedAssetsQuery is the only document this client ever sends.
const ownedAssetsQuery = `query OwnedAssets($owner: ID!, $first: Int!, $minRarity: BigInt!) {
  user(id: $owner) {
    gotchisOwned(first: $first, orderBy: lastInteracted, where: {baseRarityScore_gt: $minRarity}) {
      id
      lastInteracted
    }
  }
}`

// Config describes the indexer endpoint.
type Config struct {
	URL     string
	First   int
	Timeout time.Duration
}

// Client queries the indexer over HTTP.
type Client struct {
	url        string
	first      int
	httpClient *http.Client
}

// NewClient builds a client, filling defaults for empty fields.
func NewClient(cfg Config) *Client {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = DefaultURL
	}
	first := cfg.First
	if first <= 0 {
		first = DefaultFirst
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		url:        url,
		first:      first,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []graphQLError             `json:"errors"`
}

type userPayload struct {
	GotchisOwned *[]assetPayload `json:"gotchisOwned"`
}

type assetPayload struct {
	ID             *string `json:"id"`
	LastInteracted *string `json:"lastInteracted"`
}

// FetchOwnedAssets returns every asset owned by owner whose base rarity is
// strictly above minRarity, ordered by last interaction. Any failure aborts
// the whole fetch; a partial snapshot is never returned.
func (c *Client) FetchOwnedAssets(ctx context.Context, owner common.Address, minRarity int) (care.Snapshot, error) {
	body, err := json.Marshal(graphQLRequest{
		Query: ownedAssetsQuery,
		Variables: map[string]any{
			// The subgraph keys users by lowercase hex address.
			"owner":     strings.ToLower(owner.Hex()),
			"first":     c.first,
			// baseRarityScore is a BigInt, which GraphQL carries as a string.
			"minRarity": strconv.Itoa(minRarity),
		},
	})
	if err != nil {
		return care.Snapshot{}, xerrors.Wrap(CodeQueryTransport, err, "encode query")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return care.Snapshot{}, xerrors.Wrap(CodeQueryTransport, err, "build query request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return care.Snapshot{}, xerrors.Wrap(CodeQueryTransport, err, "query indexer")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return care.Snapshot{}, xerrors.New(CodeQueryTransport,
			fmt.Sprintf("indexer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
			xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode)))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return care.Snapshot{}, xerrors.Wrap(CodeQueryTransport, err, "read indexer response")
	}

	var decoded graphQLResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return care.Snapshot{}, xerrors.Wrap(CodeQuerySchema, err, "decode indexer response")
	}
	if len(decoded.Errors) > 0 {
		messages := make([]string, 0, len(decoded.Errors))
		for _, e := range decoded.Errors {
			messages = append(messages, e.Message)
		}
		return care.Snapshot{}, xerrors.New(CodeQueryApplication, strings.Join(messages, "; "))
	}

	return parseSnapshot(owner, decoded.Data)
}

func parseSnapshot(owner common.Address, data map[string]json.RawMessage) (care.Snapshot, error) {
	if data == nil {
		return care.Snapshot{}, xerrors.New(CodeQuerySchema, "response has no data")
	}
	rawUser, ok := data["user"]
	if !ok {
		return care.Snapshot{}, xerrors.New(CodeQuerySchema, "response data has no user field")
	}
	snapshot := care.Snapshot{Owner: owner, Assets: []care.Asset{}}
	if string(bytes.TrimSpace(rawUser)) == "null" {
		// Wallets that never held an asset are unknown to the indexer.
		return snapshot, nil
	}

	var user userPayload
	if err := json.Unmarshal(rawUser, &user); err != nil {
		return care.Snapshot{}, xerrors.Wrap(CodeQuerySchema, err, "decode user")
	}
	if user.GotchisOwned == nil {
		return care.Snapshot{}, xerrors.New(CodeQuerySchema, "user has no gotchisOwned field")
	}

	seen := make(map[string]struct{}, len(*user.GotchisOwned))
	for idx, item := range *user.GotchisOwned {
		if item.ID == nil {
			return care.Snapshot{}, xerrors.New(CodeQuerySchema, fmt.Sprintf("asset #%d has no id", idx))
		}
		if item.LastInteracted == nil {
			return care.Snapshot{}, xerrors.New(CodeQuerySchema, fmt.Sprintf("asset %s has no lastInteracted", *item.ID))
		}
		if _, dup := seen[*item.ID]; dup {
			return care.Snapshot{}, xerrors.New(CodeQuerySchema, fmt.Sprintf("asset %s listed twice", *item.ID))
		}
		seen[*item.ID] = struct{}{}

		ts, err := ParseTimestamp(*item.LastInteracted)
		if err != nil {
			return care.Snapshot{}, xerrors.Wrap(CodeTimestampFormat, err,
				fmt.Sprintf("asset %s has lastInteracted %q", *item.ID, *item.LastInteracted),
				xerrors.WithMetadata("asset_id", *item.ID))
		}
		snapshot.Assets = append(snapshot.Assets, care.Asset{ID: *item.ID, LastInteractedAt: ts})
	}
	return snapshot, nil
}

// ParseTimestamp parses a decimal unix-seconds string.
func ParseTimestamp(raw string) (int64, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if ts < 0 {
		return 0, fmt.Errorf("negative timestamp %d", ts)
	}
	return ts, nil
}
