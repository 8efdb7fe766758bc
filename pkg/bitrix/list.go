package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// methodWrappers lists the methods that return their records under a wrapper
// key instead of a bare array.
var methodWrappers = map[string]string{
	"tasks.task.list":                  "tasks",
	"tasks.task.history.list":          "list",
	"tasks.task.getFields":             "fields",
	"tasks.task.getaccess":             "allowedActions",
	"sale.order.list":                  "orders",
	"sale.propertyvalue.list":          "propertyValues",
	"sale.basketItem.list":             "basketItems",
	"crm.stagehistory.list":            "items",
	"crm.item.list":                    "items",
	"crm.type.list":                    "types",
	"crm.item.productrow.list":         "productRows",
	"userfieldconfig.list":             "fields",
	"catalog.catalog.list":             "catalogs",
	"catalog.product.list":             "products",
	"catalog.storeproduct.list":        "storeProducts",
	"catalog.product.offer.list":       "offers",
	"catalog.section.list":             "sections",
	"catalog.productPropertyEnum.list": "productPropertyEnums",
	"rpa.item.list":                    "items",
	"rpa.stage.listForType":            "stages",
	"socialnetwork.api.workgroup.list": "workgroups",
	"catalog.product.sku.list":         "units",
}

// weirdPaginationMethods page through NAV_PARAMS{nPageSize,iNumPage} instead
// of the regular start offset.
var weirdPaginationMethods = map[string]bool{
	"task.item.list":           true,
	"task.items.getlist":       true,
	"task.elapseditem.getlist": true,
}

const listPageSize = 50

// CallListMethod fetches every page of a list method, fanning the remaining
// offsets out through batch calls. limit <= 0 means no limit.
func (t *Token) CallListMethod(ctx context.Context, method string, fields Params, limit int) ([]json.RawMessage, error) {
	if method == "task.ctasks.getlist" {
		return nil, errors.New("task.ctasks.getlist does not support pagination; use tasks.task.list")
	}

	wrapper := methodWrappers[method]

	// Single-batch shortcut: a bare {filter:{ID:[...]}} is chunked by id
	// instead of paged by offset.
	if ids, ok := soleIDFilter(fields); ok {
		var cmds []batchCommand
		for start := 0; start < len(ids); start += listPageSize {
			end := start + listPageSize
			if end > len(ids) {
				end = len(ids)
			}
			cmds = append(cmds, batchCommand{
				Method: method,
				Params: Params{"filter": Params{"ID": ids[start:end]}},
			})
		}
		slots, err := t.doRESTBatch(ctx, cmds)
		if err != nil {
			return nil, err
		}
		return unwrapSlots(slots, wrapper)
	}

	var firstForm any = fields
	if weirdPaginationMethods[method] {
		firstForm = weirdNextParams(method, fields, 0, listPageSize)
	} else if fields == nil {
		firstForm = Params{}
	}

	first, err := t.call(ctx, method, firstForm)
	if err != nil {
		return nil, errors.Wrapf(err, "list call %s failed", method)
	}

	records, err := unwrapResult(first.Result, wrapper)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s result", method)
	}

	totalNeeded := first.Total
	if limit > 0 && limit < totalNeeded {
		totalNeeded = limit
	}

	if first.Next != nil && totalNeeded > 0 && *first.Next < totalNeeded {
		var cmds []batchCommand
		for nextStep := *first.Next; nextStep < totalNeeded; nextStep += listPageSize {
			cmds = append(cmds, batchCommand{
				Method: method,
				Params: nextPageParams(method, fields, nextStep),
			})
		}

		slots, err := t.doRESTBatch(ctx, cmds)
		if err != nil {
			return nil, err
		}
		rest, err := unwrapSlots(slots, wrapper)
		if err != nil {
			return nil, err
		}
		records = append(records, rest...)
	}

	return records, nil
}

func soleIDFilter(fields Params) ([]any, bool) {
	if len(fields) != 1 {
		return nil, false
	}
	raw, ok := fields["filter"]
	if !ok {
		return nil, false
	}

	var filter map[string]any
	switch f := raw.(type) {
	case Params:
		filter = f
	case map[string]any:
		filter = f
	default:
		return nil, false
	}
	if len(filter) != 1 {
		return nil, false
	}

	switch ids := filter["ID"].(type) {
	case []any:
		return ids, true
	case []int:
		out := make([]any, len(ids))
		for i, id := range ids {
			out[i] = id
		}
		return out, true
	case []int64:
		out := make([]any, len(ids))
		for i, id := range ids {
			out[i] = id
		}
		return out, true
	case []string:
		out := make([]any, len(ids))
		for i, id := range ids {
			out[i] = id
		}
		return out, true
	default:
		return nil, false
	}
}

func nextPageParams(method string, fields Params, nextStep int) any {
	if weirdPaginationMethods[method] {
		return weirdNextParams(method, fields, nextStep, listPageSize)
	}
	next := Params{"start": nextStep}
	for k, v := range fields {
		next[k] = v
	}
	return next
}

// weirdNextParams rebuilds the positional parameter list the legacy task
// methods expect, slotting NAV_PARAMS into the right place.
func weirdNextParams(method string, fields Params, nextStep, pageSize int) OrderedParams {
	nav := Params{"NAV_PARAMS": OrderedParams{
		{Key: "nPageSize", Value: pageSize},
		{Key: "iNumPage", Value: nextStep/pageSize + 1},
	}}

	pick := func(key string, fallback any) any {
		if v, ok := fields[key]; ok {
			return v
		}
		return fallback
	}

	switch method {
	case "task.item.list":
		params := OrderedParams{
			{Key: "ORDER", Value: pick("ORDER", Params{})},
			{Key: "FILTER", Value: pick("FILTER", Params{})},
			{Key: "PARAMS", Value: nav},
		}
		if sel, ok := fields["SELECT"]; ok {
			params = append(params, KV{Key: "SELECT", Value: sel})
		}
		return params

	case "task.items.getlist":
		return OrderedParams{
			{Key: "ORDER", Value: pick("ORDER", Params{"ID": "asc"})},
			{Key: "FILTER", Value: pick("FILTER", Params{})},
			{Key: "TASKDATA", Value: pick("TASKDATA", []string{"ID", "TITLE"})},
			{Key: "NAV_PARAMS", Value: nav},
		}

	default: // task.elapseditem.getlist
		var params OrderedParams
		if taskID, ok := fields["TASKID"]; ok {
			params = append(params, KV{Key: "TASKID", Value: taskID})
		}
		params = append(params,
			KV{Key: "ORDER", Value: pick("ORDER", Params{"ID": "ASC"})},
			KV{Key: "FILTER", Value: pick("FILTER", Params{})},
			KV{Key: "SELECT", Value: pick("SELECT", []string{"*"})},
			KV{Key: "PARAMS", Value: nav},
		)
		return params
	}
}

type batchCommand struct {
	Method string
	Params any
}

// doRESTBatch executes commands through the batch method in chunks of up to
// 50 with halt=1, returning per-slot results in command order. The first slot
// error aborts the remainder.
func (t *Token) doRESTBatch(ctx context.Context, cmds []batchCommand) ([]json.RawMessage, error) {
	var results []json.RawMessage

	for start := 0; start < len(cmds); start += listPageSize {
		end := start + listPageSize
		if end > len(cmds) {
			end = len(cmds)
		}
		chunk := cmds[start:end]

		cmdPayload := make(OrderedParams, 0, len(chunk))
		keyOrder := make([]string, 0, len(chunk))
		for i, cmd := range chunk {
			key := fmt.Sprintf("c%d", i)
			keyOrder = append(keyOrder, key)
			query := ""
			if cmd.Params != nil {
				query = ConvertParams(cmd.Params)
			}
			value := cmd.Method
			if query != "" {
				value = cmd.Method + "?" + query
			}
			cmdPayload = append(cmdPayload, KV{Key: key, Value: value})
		}

		resp, err := t.call(ctx, "batch", Params{"halt": 1, "cmd": cmdPayload})
		if err != nil {
			return nil, errors.Wrap(err, "batch call failed")
		}

		var envelope struct {
			Result      json.RawMessage `json:"result"`
			ResultError json.RawMessage `json:"result_error"`
		}
		if err := json.Unmarshal(resp.Result, &envelope); err != nil {
			return nil, errors.Wrap(err, "failed to decode batch envelope")
		}

		okMap, err := decodeSlotMap(envelope.Result)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode batch results")
		}
		errMap, err := decodeSlotMap(envelope.ResultError)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode batch errors")
		}

		for _, key := range keyOrder {
			if slotErr, ok := errMap[key]; ok {
				return nil, &BatchError{Slots: map[string]string{key: string(slotErr)}}
			}
			slot, ok := okMap[key]
			if !ok {
				return nil, &BatchError{Slots: map[string]string{key: "unknown batch slot"}}
			}
			results = append(results, slot)
		}
	}

	return results, nil
}

// decodeSlotMap tolerates the CRM returning an empty array where an empty
// object is expected.
func decodeSlotMap(raw json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] == '[' {
		return map[string]json.RawMessage{}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func unwrapResult(result json.RawMessage, wrapper string) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}

	if wrapper != "" {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, err
		}
		inner, ok := wrapped[wrapper]
		if !ok {
			return nil, nil
		}
		trimmed = inner
	}

	var records []json.RawMessage
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func unwrapSlots(slots []json.RawMessage, wrapper string) ([]json.RawMessage, error) {
	var records []json.RawMessage
	for _, slot := range slots {
		chunk, err := unwrapResult(slot, wrapper)
		if err != nil {
			return nil, err
		}
		records = append(records, chunk...)
	}
	return records, nil
}
