package normalizer

import (
	"time"

	"securequery/internal/domain"
)

// Keys consumed into canonical fields; everything else is retained as-is.
var cloudAuditConsumed = map[string]struct{}{
	"eventName":         {},
	"eventTime":         {},
	"userIdentity":      {},
	"sourceIPAddress":   {},
	"resources":         {},
	"requestParameters": {},
	"responseElements":  {},
	"errorCode":         {},
	"errorMessage":      {},
}

// cloudAuditFields extracts the canonical fields of a cloud audit event
// (CloudTrail layout): actor identity, action, source IP, affected resource
// and outcome.
func cloudAuditFields(obj map[string]any) (map[string]string, time.Time) {
	fields := make(map[string]string, len(obj))

	action := stringKey(obj, "eventName")
	if action == "" {
		action = "Unknown"
	}
	fields[domain.FieldAction] = action
	fields[domain.FieldActor] = cloudAuditActor(obj)
	if ip := stringKey(obj, "sourceIPAddress"); ip != "" {
		fields[domain.FieldSourceIP] = ip
	}
	fields[domain.FieldResource] = cloudAuditResource(obj)
	fields[domain.FieldOutcome] = cloudAuditOutcome(obj)
	if msg := stringKey(obj, "errorMessage"); msg != "" {
		fields[domain.FieldError] = msg
	}

	for k, v := range obj {
		if _, ok := cloudAuditConsumed[k]; ok {
			continue
		}
		fields[k] = formatScalar(v)
	}

	var ts time.Time
	if s := stringKey(obj, "eventTime"); s != "" {
		ts = parseTimestamp(s)
	}
	return fields, ts
}

func cloudAuditActor(obj map[string]any) string {
	identity, ok := obj["userIdentity"].(map[string]any)
	if !ok {
		return "Unknown"
	}
	if name := stringKey(identity, "userName"); name != "" {
		return name
	}
	if typ := stringKey(identity, "type"); typ != "" {
		return typ + " user"
	}
	return "Unknown"
}

func cloudAuditResource(obj map[string]any) string {
	if resources, ok := obj["resources"].([]any); ok && len(resources) > 0 {
		if first, ok := resources[0].(map[string]any); ok {
			if arn := stringKey(first, "ARN"); arn != "" {
				return arn
			}
		}
	}
	if params, ok := obj["requestParameters"].(map[string]any); ok {
		if bucket := stringKey(params, "bucketName"); bucket != "" {
			return "s3://" + bucket
		}
		if table := stringKey(params, "tableName"); table != "" {
			return "dynamodb:" + table
		}
	}
	return "Unknown resource"
}

func cloudAuditOutcome(obj map[string]any) string {
	if stringKey(obj, "errorCode") != "" || stringKey(obj, "errorMessage") != "" {
		return "Failure"
	}
	if response, ok := obj["responseElements"].(map[string]any); ok {
		if login := stringKey(response, "ConsoleLogin"); login != "" {
			return login
		}
	}
	return "Success"
}

func stringKey(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}
