// Package deploy runs the fixed-order deploy pipeline: ecr-auth,
// pull-image, load-configs, stop-services, start-services,
// prune-images. A failure in any step but the last is fatal and is
// tagged with the step (and, where applicable, the service) that
// failed; prune-images never fails the deploy.
package deploy
