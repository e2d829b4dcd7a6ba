package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricOnUpload           = "LambdaOnUpload"
	MetricOnUploadAction     = "LambdaOnUploadAction"
	MetricOnUploadUnzipped   = "LambdaOnUploadFilesUnzipped"
	MetricOnIncoming         = "LambdaOnIncoming"
	MetricAPIPoll            = "LambdaApi"
	MetricAPIEvents          = "LambdaApiEvents"
	MetricAPIEventPeer       = "LambdaApiEventPeer"
	MetricLambdaError        = "LambdaError"

	// Dimension Keys
	DimPeer      = "Peer"
	DimExtension = "Extension"
	DimFunction  = "Function"
	DimExecution = "ExecutionID"

	// Metric Namespace
	MetricNamespace = "Peerflow"
)
