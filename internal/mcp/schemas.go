package mcp

// Argument schemas, one per tool. Validation happens before any
// handler runs; a mismatch is reported to the caller and leaves no
// state change.

const emptySchema = `{"type":"object","additionalProperties":false}`

const dataBitsSchema = `{"enum":[5,6,7,8,"5","6","7","8","five","six","seven","eight"]}`
const paritySchema = `{"type":"string","enum":["none","odd","even"]}`
const stopBitsSchema = `{"enum":[1,2,"1","2","one","two"]}`
const flowControlSchema = `{"type":"string","enum":["none","hardware","software"]}`

const openPortSchema = `{
	"type":"object",
	"properties":{
		"port_name":{"type":"string","minLength":1},
		"baud_rate":{"type":"integer","minimum":1},
		"timeout_ms":{"type":"integer","minimum":1},
		"data_bits":` + dataBitsSchema + `,
		"parity":` + paritySchema + `,
		"stop_bits":` + stopBitsSchema + `,
		"flow_control":` + flowControlSchema + `,
		"terminator":{"type":"string"},
		"idle_disconnect_ms":{"type":"integer","minimum":1},
		"session_id":{"type":"string"}
	},
	"required":["port_name","baud_rate"],
	"additionalProperties":false
}`

const writeSchema = `{
	"type":"object",
	"properties":{
		"text":{"type":"string"},
		"session_id":{"type":"string"}
	},
	"required":["text"],
	"additionalProperties":false
}`

const readSchema = `{
	"type":"object",
	"properties":{
		"session_id":{"type":"string"}
	},
	"additionalProperties":false
}`

const reconfigurePortSchema = `{
	"type":"object",
	"properties":{
		"port_name":{"type":"string","minLength":1},
		"baud_rate":{"type":"integer","minimum":1},
		"timeout_ms":{"type":"integer","minimum":1},
		"data_bits":` + dataBitsSchema + `,
		"parity":` + paritySchema + `,
		"stop_bits":` + stopBitsSchema + `,
		"flow_control":` + flowControlSchema + `,
		"terminator":{"type":"string"},
		"idle_disconnect_ms":{"type":"integer","minimum":1}
	},
	"additionalProperties":false
}`

const detectPortSchema = `{
	"type":"object",
	"properties":{
		"port_name":{"type":"string","minLength":1},
		"vid":{"type":"string"},
		"pid":{"type":"string"},
		"manufacturer":{"type":"string"},
		"suggested_baud_rates":{"type":"array","items":{"type":"integer","minimum":1}},
		"timeout_ms":{"type":"integer","minimum":1},
		"restrict_to_suggested":{"type":"boolean"},
		"preferred_strategy":{"type":"string"}
	},
	"required":["port_name"],
	"additionalProperties":false
}`

const openPortAutoSchema = `{
	"type":"object",
	"properties":{
		"port_name":{"type":"string","minLength":1},
		"vid":{"type":"string"},
		"pid":{"type":"string"},
		"manufacturer":{"type":"string"},
		"suggested_baud_rates":{"type":"array","items":{"type":"integer","minimum":1}},
		"timeout_ms":{"type":"integer","minimum":1},
		"terminator":{"type":"string"},
		"idle_disconnect_ms":{"type":"integer","minimum":1},
		"session_id":{"type":"string"}
	},
	"required":["port_name"],
	"additionalProperties":false
}`

const createSessionSchema = `{
	"type":"object",
	"properties":{
		"device_id":{"type":"string","minLength":1},
		"port_name":{"type":"string"}
	},
	"required":["device_id"],
	"additionalProperties":false
}`

const appendMessageSchema = `{
	"type":"object",
	"properties":{
		"session_id":{"type":"string","minLength":1},
		"role":{"type":"string","minLength":1},
		"content":{"type":"string"},
		"direction":{"type":"string"},
		"features":{"type":"string"},
		"latency_ms":{"type":"integer","minimum":0}
	},
	"required":["session_id","role","content"],
	"additionalProperties":false
}`

const listSessionsSchema = `{
	"type":"object",
	"properties":{
		"filter":{"type":"string","enum":["open","closed","all"]},
		"limit":{"type":"integer","minimum":1}
	},
	"additionalProperties":false
}`

const sessionIDSchema = `{
	"type":"object",
	"properties":{
		"session_id":{"type":"string","minLength":1}
	},
	"required":["session_id"],
	"additionalProperties":false
}`

const listMessagesSchema = `{
	"type":"object",
	"properties":{
		"session_id":{"type":"string","minLength":1},
		"limit":{"type":"integer","minimum":1}
	},
	"required":["session_id"],
	"additionalProperties":false
}`

const listMessagesRangeSchema = `{
	"type":"object",
	"properties":{
		"session_id":{"type":"string","minLength":1},
		"after_id":{"type":"integer","minimum":0},
		"limit":{"type":"integer","minimum":1}
	},
	"required":["session_id","after_id"],
	"additionalProperties":false
}`

const filterMessagesSchema = `{
	"type":"object",
	"properties":{
		"session_id":{"type":"string","minLength":1},
		"role":{"type":"string"},
		"direction":{"type":"string"},
		"feature_contains":{"type":"string"},
		"limit":{"type":"integer","minimum":1}
	},
	"required":["session_id"],
	"additionalProperties":false
}`
