package transport

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Hub topic conventions. One publish topic and one or two subscription
// filters per message kind.
const (
	telemetryPublishFmt   = "devices/%s/messages/events/"
	telemetrySubscribeFmt = "devices/%s/messages/devicebound/#"

	methodsSubscribe  = "$iothub/methods/POST/#"
	methodsPublishFmt = "$iothub/methods/res/%d/?$rid=%s"

	twinResSubscribe     = "$iothub/twin/res/#"
	twinDesiredSubscribe = "$iothub/twin/PATCH/properties/desired/#"
	twinGetFmt           = "$iothub/twin/GET/?$rid=%s"
	twinReportedFmt      = "$iothub/twin/PATCH/properties/reported/?$rid=%s"

	methodsPostPrefix = "$iothub/methods/POST/"
	twinResPrefix     = "$iothub/twin/res/"
	twinDesiredPrefix = "$iothub/twin/PATCH/properties/desired/"
)

func telemetryPublishTopic(deviceID string) string {
	return fmt.Sprintf(telemetryPublishFmt, deviceID)
}

func telemetrySubscribeFilter(deviceID string) string {
	return fmt.Sprintf(telemetrySubscribeFmt, deviceID)
}

func methodResponseTopic(status int, requestID string) string {
	return fmt.Sprintf(methodsPublishFmt, status, requestID)
}

func twinRequestTopic(op TwinOperation, requestID string) string {
	if op == TwinGet {
		return fmt.Sprintf(twinGetFmt, requestID)
	}
	return fmt.Sprintf(twinReportedFmt, requestID)
}

// parseMethodTopic decodes "$iothub/methods/POST/{method}/?$rid={rid}".
func parseMethodTopic(topic string) (method, requestID string, err error) {
	rest, ok := strings.CutPrefix(topic, methodsPostPrefix)
	if !ok {
		return "", "", fmt.Errorf("not a method topic: %s", topic)
	}
	name, query, found := strings.Cut(rest, "/?")
	if !found || name == "" {
		return "", "", fmt.Errorf("malformed method topic: %s", topic)
	}
	rid, err := topicRequestID(query)
	if err != nil {
		return "", "", fmt.Errorf("malformed method topic %s: %w", topic, err)
	}
	return name, rid, nil
}

// twinInbound is a decoded twin subscription delivery: either a response to
// an earlier request (status + rid) or a desired-properties patch (version).
type twinInbound struct {
	status    int
	requestID string
	version   int
	patch     bool
}

// parseTwinTopic decodes "$iothub/twin/res/{status}/?$rid={rid}" and
// "$iothub/twin/PATCH/properties/desired/?$version={n}".
func parseTwinTopic(topic string) (twinInbound, error) {
	if rest, ok := strings.CutPrefix(topic, twinResPrefix); ok {
		statusStr, query, found := strings.Cut(rest, "/?")
		if !found {
			return twinInbound{}, fmt.Errorf("malformed twin response topic: %s", topic)
		}
		status, err := strconv.Atoi(statusStr)
		if err != nil {
			return twinInbound{}, fmt.Errorf("malformed twin status in %s: %w", topic, err)
		}
		rid, err := topicRequestID(query)
		if err != nil {
			return twinInbound{}, fmt.Errorf("malformed twin response topic %s: %w", topic, err)
		}
		return twinInbound{status: status, requestID: rid}, nil
	}

	if rest, ok := strings.CutPrefix(topic, twinDesiredPrefix); ok {
		version := 0
		if query, found := strings.CutPrefix(rest, "?"); found {
			values, err := url.ParseQuery(query)
			if err == nil {
				version, _ = strconv.Atoi(values.Get("$version"))
			}
		}
		return twinInbound{version: version, patch: true}, nil
	}

	return twinInbound{}, fmt.Errorf("not a twin topic: %s", topic)
}

func topicRequestID(query string) (string, error) {
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", err
	}
	rid := values.Get("$rid")
	if rid == "" {
		return "", fmt.Errorf("missing $rid in %q", query)
	}
	return rid, nil
}
