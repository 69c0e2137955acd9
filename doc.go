// Package gopintos is an instructional multitasking kernel: a thread
// scheduler with priority donation, a demand-paged virtual memory
// subsystem, and an indexed on-disk filesystem, built around two
// external collaborators — a block device and a periodic timer.
//
// See the package docs under sched, vm/*, and filesys/* for the three
// core subsystems. cmd/kerneld assembles them into a runnable program
// over a file-backed block device.
package gopintos
