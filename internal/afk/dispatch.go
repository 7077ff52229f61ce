package afk

import (
	"fmt"

	"afk/internal/epic"
	"afk/internal/journal"
)

// recvHandle routes one decoded ring entry. Runs on the endpoint
// worker only. Protocol violations are logged and dropped, never fatal
// to the endpoint.
func (ep *Endpoint) recvHandle(channel, etype uint32, data []byte) {
	_, sub, payload, err := epic.Parse(data)
	if err != nil {
		ep.log.Error("dropping frame", "channel", channel, "err", err)
		return
	}

	svc := ep.FindService(channel)
	if svc == nil {
		// Only announce-class traffic is allowed on an unbound
		// channel. Some firmware revisions announce through the
		// standard-service subtype instead of the dedicated one.
		if etype != epic.TypeNotify && etype != epic.TypeReply {
			ep.log.Error("first message on channel is not a notify",
				"channel", channel, "type", fmt.Sprintf("%#x", etype))
			return
		}
		if sub.Category != epic.CatReport {
			ep.log.Error("first message on channel is not a report",
				"channel", channel, "category", fmt.Sprintf("%#02x", sub.Category))
			return
		}
		if sub.Subtype == epic.SubtypeTeardown {
			ep.log.Warn("teardown for disabled channel", "channel", channel)
			return
		}
		if sub.Subtype != epic.SubtypeAnnounce && sub.Subtype != epic.SubtypeStdService {
			ep.log.Error("first message on channel is not an announce",
				"channel", channel, "subtype", fmt.Sprintf("%#02x", sub.Subtype))
			return
		}
		ep.cfg.Announce(ep, sub.Subtype, channel, payload)
		return
	}

	switch {
	case etype == epic.TypeNotify && sub.Category == epic.CatReport && sub.Subtype == epic.SubtypeTeardown:
		ep.handleTeardown(svc)

	case etype == epic.TypeReply && sub.Category == epic.CatReply:
		svc.handleReply(sub.Tag, payload)

	case sub.Subtype == epic.SubtypeStdService:
		ep.handleStdService(svc, etype, sub, payload)

	default:
		ep.log.Error("unhandled frame", "channel", channel,
			"type", fmt.Sprintf("%#x", etype), "subtype", fmt.Sprintf("%#x", sub.Subtype))
	}
}

func (ep *Endpoint) handleTeardown(svc *Service) {
	ops := svc.disable()
	ops.Teardown(svc)
	ep.log.Info("service torn down", "name", svc.name, "channel", svc.channel)
	ep.journal(journal.KindServiceTeardown, svc.channel, svc.name, "")
}

// handleStdService handles standard-service traffic on a bound
// channel: a generic call (notify category) answered synchronously by
// the service's call hook, or a report forwarded to its report hook.
func (ep *Endpoint) handleStdService(svc *Service, etype uint32, sub epic.SubHeader, payload []byte) {
	if etype == epic.TypeNotify && sub.Category == epic.CatNotify {
		callType, argLen, err := epic.ParseAPCall(payload)
		if err != nil {
			ep.log.Error("bad service call", "channel", svc.channel, "err", err)
			return
		}

		// The reply mirrors the request: the fixed preamble echoed
		// verbatim, then the response payload in place of the
		// argument bytes.
		reply := make([]byte, len(payload))
		copy(reply, payload[:epic.APCallSize])
		args := payload[epic.APCallSize : epic.APCallSize+argLen]
		out := reply[epic.APCallSize : epic.APCallSize+argLen]

		if err := svc.callOps(callType, args, out); err != nil {
			ep.log.Error("service call failed", "channel", svc.channel,
				"call", fmt.Sprintf("%#x", callType), "err", err)
			return
		}
		if err := ep.sendEpic(svc.channel, sub.Tag, epic.TypeNotifyAck,
			epic.CatReply, epic.SubtypeStdService, reply); err != nil {
			ep.log.Error("sending call reply", "channel", svc.channel, "err", err)
		}
		return
	}

	if etype == epic.TypeNotify && sub.Category == epic.CatReport {
		if err := svc.reportOps(sub.Subtype, payload); err != nil {
			ep.log.Warn("report handler failed", "channel", svc.channel,
				"subtype", fmt.Sprintf("%#x", sub.Subtype), "err", err)
		}
		return
	}

	ep.log.Error("unhandled standard service message", "channel", svc.channel,
		"type", fmt.Sprintf("%#x", etype), "category", fmt.Sprintf("%#x", sub.Category))
}
