package protocol

// Request types and their reply/event types. The registry is additive:
// unknown request types get an error reply, unrecognized envelope fields are
// ignored.
const (
	TypeHandshake   = "handshake"
	TypeHandshakeOK = "handshake.ok"

	TypeModelDownload   = "model.download"
	TypeModelDownloadOK = "model.download.ok"
	TypeModelLoad       = "model.load"
	TypeModelLoadOK     = "model.load.ok"
	TypeModelUnload     = "model.unload"
	TypeModelUnloadOK   = "model.unload.ok"
	TypeModelDelete     = "model.delete"
	TypeModelDeleteOK   = "model.delete.ok"
	TypeModelList       = "model.list"
	TypeModelListOK     = "model.list.ok"

	TypeInferenceGenerate   = "inference.generate"
	TypeInferenceGenerateOK = "inference.generate.ok"
	TypeInferenceStream     = "inference.stream"
	TypeInferenceCancel     = "inference.cancel"
	TypeInferenceCancelOK   = "inference.cancel.ok"

	TypeStreamStart = "inference.stream.start"
	TypeStreamToken = "inference.stream.token"
	TypeStreamEnd   = "inference.stream.end"
	TypeStreamError = "inference.stream.error"

	TypeReset   = "reset"
	TypeResetOK = "reset.ok"

	TypeError = "error"
)

// StreamEventPrefix is shared by all stream event types; the client demuxes
// on it.
const StreamEventPrefix = "inference.stream."
