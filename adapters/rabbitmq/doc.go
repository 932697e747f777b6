/*
Package rabbitmq provides a RabbitMQ host bus for the transmitter.
Each page is a HostBus bound to a shared topic exchange; events and requests are
routed by receiver and subject, and requests are answered through AMQP reply-to.
The connection redials on failure and re-binds every consumer.
*/
package rabbitmq
