package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MQPublishSpan 发布事件时创建 producer span
func MQPublishSpan(ctx context.Context, exchange, routingKey string) (context.Context, trace.Span) {
	return StartSpan(ctx, "mq.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(mqAttributes(exchange, "exchange", routingKey)...),
	)
}

// MQConsumeSpan 消费事件时创建 consumer span，调用前应先 ExtractHeaders
func MQConsumeSpan(ctx context.Context, queue, routingKey string) (context.Context, trace.Span) {
	return StartSpan(ctx, "mq.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(mqAttributes(queue, "queue", routingKey)...),
	)
}

func mqAttributes(destination, kind, routingKey string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination", destination),
		attribute.String("messaging.destination_kind", kind),
		attribute.String("messaging.rabbitmq.routing_key", routingKey),
	}
}

// InjectHeaders 把 ctx 中的 trace context 写入消息头
func InjectHeaders(ctx context.Context, headers map[string]interface{}) {
	GetTextMapPropagator().Inject(ctx, headerCarrier(headers))
}

// ExtractHeaders 从消息头恢复上游 trace context
func ExtractHeaders(ctx context.Context, headers map[string]interface{}) context.Context {
	if headers == nil {
		return ctx
	}
	return GetTextMapPropagator().Extract(ctx, headerCarrier(headers))
}

// headerCarrier 适配 RabbitMQ 消息头，只处理字符串值
type headerCarrier map[string]interface{}

func (c headerCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
