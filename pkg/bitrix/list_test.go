package bitrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallListSinglePage(t *testing.T) {
	token := listTestTokenFixed(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "crm.timeline.comment.list.json"))
		w.Write([]byte(`{"result":[{"ID":"1"},{"ID":"2"}],"total":2}`))
	})

	records, err := token.CallListMethod(context.Background(), "crm.timeline.comment.list", Params{
		"filter": Params{"ENTITY_ID": 10},
	}, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.JSONEq(t, `{"ID":"1"}`, string(records[0]))
}

func TestCallListPaginatesThroughBatch(t *testing.T) {
	var batchBody string
	token := listTestTokenFixed(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.HasSuffix(r.URL.Path, "/batch.json") {
			batchBody = string(body)
			w.Write([]byte(`{"result":{"result":{"c0":[{"ID":"51"}],"c1":[{"ID":"101"}]},"result_error":[]}}`))
			return
		}
		first := map[string]any{"result": []map[string]string{{"ID": "1"}}, "total": 150, "next": 50}
		json.NewEncoder(w).Encode(first)
	})

	records, err := token.CallListMethod(context.Background(), "crm.deal.list", nil, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)

	decoded, err := url.QueryUnescape(batchBody)
	require.NoError(t, err)
	assert.Contains(t, decoded, "halt=1")
	assert.Contains(t, decoded, "start=50")
	assert.Contains(t, decoded, "start=100")
}

func TestCallListUnwrapsWrapperKey(t *testing.T) {
	token := listTestTokenFixed(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"tasks":[{"id":1},{"id":2}]},"total":2}`))
	})

	records, err := token.CallListMethod(context.Background(), "tasks.task.list", nil, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestCallListIDFilterFansOutInOneBatch(t *testing.T) {
	var paths []string
	var batchBody string
	token := listTestTokenFixed(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		batchBody = string(body)
		require.True(t, strings.HasSuffix(r.URL.Path, "/batch.json"))

		result := map[string]any{}
		slots := map[string]any{}
		// Two chunks: 60 ids split 50/10.
		slots["c0"] = []map[string]string{{"ID": "1"}}
		slots["c1"] = []map[string]string{{"ID": "2"}}
		result["result"] = map[string]any{"result": slots, "result_error": map[string]any{}}
		json.NewEncoder(w).Encode(result)
	})

	ids := make([]any, 60)
	for i := range ids {
		ids[i] = i + 1
	}
	records, err := token.CallListMethod(context.Background(), "crm.deal.list", Params{
		"filter": Params{"ID": ids},
	}, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Len(t, paths, 1)

	decoded, err := url.QueryUnescape(batchBody)
	require.NoError(t, err)
	assert.Contains(t, decoded, "cmd[c0]=crm.deal.list?filter[ID][0]=1")
	assert.Contains(t, decoded, "cmd[c1]=")
}

func TestCallListBatchSlotErrorPropagates(t *testing.T) {
	token := listTestTokenFixed(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/batch.json") {
			w.Write([]byte(`{"result":{"result":{},"result_error":{"c0":{"error":"OVERLOAD"}}}}`))
			return
		}
		w.Write([]byte(`{"result":[{"ID":"1"}],"total":100,"next":50}`))
	})

	_, err := token.CallListMethod(context.Background(), "crm.deal.list", nil, 0)
	require.Error(t, err)
	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Contains(t, batchErr.Slots["c0"], "OVERLOAD")
}

func TestCallListWeirdPaginationUsesNavParams(t *testing.T) {
	var firstBody string
	token := listTestTokenFixed(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		firstBody = string(body)
		w.Write([]byte(`{"result":[{"ID":"1"}],"total":1}`))
	})

	_, err := token.CallListMethod(context.Background(), "task.item.list", Params{
		"FILTER": Params{"RESPONSIBLE_ID": 7},
	}, 0)
	require.NoError(t, err)

	decoded, err := url.QueryUnescape(firstBody)
	require.NoError(t, err)
	assert.Contains(t, decoded, "PARAMS[NAV_PARAMS][nPageSize]=50")
	assert.Contains(t, decoded, "PARAMS[NAV_PARAMS][iNumPage]=1")
	assert.Contains(t, decoded, "FILTER[RESPONSIBLE_ID]=7")
	// ORDER comes before FILTER, which comes before PARAMS.
	assert.Less(t, strings.Index(decoded, "ORDER"), strings.Index(decoded, "FILTER[RESPONSIBLE_ID]"))
	assert.Less(t, strings.Index(decoded, "FILTER[RESPONSIBLE_ID]"), strings.Index(decoded, "PARAMS[NAV_PARAMS]"))
}

func TestCallListRejectsCloudUnsupportedMethod(t *testing.T) {
	token := listTestTokenFixed(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no HTTP call expected")
	})
	_, err := token.CallListMethod(context.Background(), "task.ctasks.getlist", nil, 0)
	assert.Error(t, err)
}

func TestCallListHonorsLimit(t *testing.T) {
	var batchCalls int
	token := listTestTokenFixed(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/batch.json") {
			batchCalls++
			w.Write([]byte(`{"result":{"result":{"c0":[{"ID":"51"}]},"result_error":{}}}`))
			return
		}
		w.Write([]byte(`{"result":[{"ID":"1"}],"total":5000,"next":50}`))
	})

	// Limit 100 needs exactly one extra page (offset 50), not 99.
	records, err := token.CallListMethod(context.Background(), "crm.deal.list", nil, 100)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, 1, batchCalls)
}

func listTestTokenFixed(t *testing.T, fn func(http.ResponseWriter, *http.Request)) *Token {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(fn))
	t.Cleanup(srv.Close)

	token := NewWebhookToken(strings.TrimPrefix(srv.URL, "https://"), "1/hook")
	token.HTTPClient = srv.Client()
	token.HTTPClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return token
}

func TestUnwrapResultShapes(t *testing.T) {
	records, err := unwrapResult(json.RawMessage(`[{"a":1}]`), "")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	records, err = unwrapResult(json.RawMessage(`{"items":[{"a":1},{"a":2}]}`), "items")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = unwrapResult(json.RawMessage(`null`), "")
	require.NoError(t, err)
	assert.Nil(t, records)
}

func TestDecodeSlotMapToleratesEmptyArray(t *testing.T) {
	m, err := decodeSlotMap(json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.Empty(t, m)

	m, err = decodeSlotMap(json.RawMessage(fmt.Sprintf(`{"c0":%q}`, "x")))
	require.NoError(t, err)
	assert.Len(t, m, 1)
}
