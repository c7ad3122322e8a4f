package validation

import "encoding/json"

// Schemas maps each request-handler command name to the JSON Schema its
// payload must satisfy. Commands not listed here take no
// payload fields beyond cmd/msgId.
var Schemas = map[string]json.RawMessage{
	"configure-bezel": json.RawMessage(`{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"properties": {
			"r": {"type": "integer", "minimum": 0, "maximum": 255},
			"g": {"type": "integer", "minimum": 0, "maximum": 255},
			"b": {"type": "integer", "minimum": 0, "maximum": 255},
			"type": {"type": "integer", "minimum": 0, "maximum": 255}
		},
		"required": ["r", "g", "b", "type"],
		"additionalProperties": false
	}`),

	"enable-channels":  channelMaskSchema,
	"disable-channels": channelMaskSchema,
	"inhibit-channels": channelMaskSchema,

	"test-payout": payoutSchema,
	"do-payout":   payoutSchema,
	"test-float":  payoutSchema,
	"do-float":    payoutSchema,

	"set-denomination-level": levelAmountSchema,

	"set-cashbox-payout-limit": levelAmountSchema,
}

var channelMaskSchema = json.RawMessage(`{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"channels": {"type": "string"}
	},
	"required": ["channels"],
	"additionalProperties": false
}`)

var payoutSchema = json.RawMessage(`{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"amount": {"type": "integer", "minimum": 0}
	},
	"required": ["amount"],
	"additionalProperties": false
}`)

// levelAmountSchema covers both set-denomination-level and
// set-cashbox-payout-limit: both take the same {level, amount} wire shape,
// with each command mapping the pair onto the SSP payload differently.
var levelAmountSchema = json.RawMessage(`{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"level": {"type": "integer", "minimum": 0},
		"amount": {"type": "integer", "minimum": 0}
	},
	"required": ["level", "amount"],
	"additionalProperties": false
}`)
