package bitrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConvertParamsScalars(t *testing.T) {
	assert.Equal(t, "ID=42", ConvertParams(Params{"ID": 42}))
	assert.Equal(t, "TITLE=%D0%94%D0%BE%D0%BC", ConvertParams(Params{"TITLE": "Дом"}))
	assert.Equal(t, "URL=https%3A//site.ru/a", ConvertParams(Params{"URL": "https://site.ru/a"}))
}

func TestConvertParamsNil(t *testing.T) {
	assert.Equal(t, "COMMENT=", ConvertParams(Params{"COMMENT": nil}))
}

func TestConvertParamsNested(t *testing.T) {
	got := ConvertParams(Params{
		"filter": Params{"ID": []int{1, 2}},
	})
	assert.Equal(t, "filter[ID][0]=1&filter[ID][1]=2", got)
}

func TestConvertParamsEmptyCollections(t *testing.T) {
	assert.Equal(t, "SELECT[]=", ConvertParams(Params{"SELECT": []any{}}))
	assert.Equal(t, "FILTER[]=", ConvertParams(Params{"FILTER": Params{}}))
}

func TestConvertParamsRawString(t *testing.T) {
	assert.Equal(t, "cmd=crm.deal.get%3Fid%3D1", ConvertParams(Params{"cmd": RawString("crm.deal.get%3Fid%3D1")}))
}

func TestConvertParamsSortsMapKeys(t *testing.T) {
	got := ConvertParams(Params{"b": 2, "a": 1, "c": 3})
	assert.Equal(t, "a=1&b=2&c=3", got)
}

func TestConvertParamsOrderedKeepsOrder(t *testing.T) {
	got := ConvertParams(OrderedParams{
		{Key: "ORDER", Value: Params{"ID": "asc"}},
		{Key: "FILTER", Value: Params{}},
		{Key: "PARAMS", Value: Params{"NAV_PARAMS": OrderedParams{
			{Key: "nPageSize", Value: 50},
			{Key: "iNumPage", Value: 2},
		}}},
	})
	assert.Equal(t, "ORDER[ID]=asc&FILTER[]=&PARAMS[NAV_PARAMS][nPageSize]=50&PARAMS[NAV_PARAMS][iNumPage]=2", got)
}
